package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"salequeue/internal/model"
	"salequeue/internal/obs"
)

type Server struct {
	svc    *model.Service
	logger *obs.Logger
	router chi.Router

	// clock stamps requests; nil leaves the choice of time to the service
	clock func() time.Time
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.logger == nil {
			return
		}
		s.logger.Debug(map[string]interface{}{
			"op":         "http",
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"req_id":     requestID(r.Context()),
			"latency_ms": time.Since(start).Milliseconds(),
		})
	})
}

func NewServer(svc *model.Service, logger *obs.Logger) *Server {
	s := &Server{svc: svc, logger: logger, router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(withRequestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/queue", func(r chi.Router) {
		r.Post("/check", s.handleCheck)
		r.Post("/init", s.handleInit)
		r.Get("/status/{jobId}", s.handleStatus)
		r.Post("/cancel", s.handleCancel)
	})
	r.Get("/sale/current", s.handleCurrentSale)
	r.Put("/admin/products/{productId}", s.handlePutProduct)
	r.Post("/orders/{orderId}/complete", s.handleCompleteOrder)
	r.Post("/orders/{orderId}/cancel", s.handleCancelOrder)
}

func (s *Server) now() time.Time {
	if s.clock == nil {
		return time.Time{}
	}
	return s.clock()
}

// --- Queue handlers ---

type pairReq struct {
	EmployeeID string `json:"employeeId"`
	ProductID  string `json:"productId"`
}

type checkResp struct {
	HasActiveOrder bool   `json:"hasActiveOrder"`
	JobID          string `json:"jobId,omitempty"`
	OrderID        string `json:"orderId,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req pairReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	res, err := s.svc.CheckActiveOrder(r.Context(), model.CheckRequest{
		EmployeeID: req.EmployeeID,
		ProductID:  req.ProductID,
	})
	if err != nil {
		writeModelErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResp{
		HasActiveOrder: res.HasActiveOrder,
		JobID:          res.JobID,
		OrderID:        res.OrderID,
	})
}

type initResp struct {
	Success  bool   `json:"success"`
	JobID    string `json:"jobId"`
	Position int64  `json:"position"`
	Ticket   int64  `json:"ticket"`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req pairReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	res, err := s.svc.Join(r.Context(), model.JoinRequest{
		EmployeeID: req.EmployeeID,
		ProductID:  req.ProductID,
		Now:        s.now(),
	})
	if err != nil {
		writeModelErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, initResp{
		Success:  true,
		JobID:    res.JobID,
		Position: res.Position,
		Ticket:   res.Ticket,
	})
}

type jobResult struct {
	OrderID string `json:"orderId"`
}

type statusResp struct {
	JobID    string     `json:"jobId"`
	Status   string     `json:"status"`
	Position int64      `json:"position,omitempty"`
	Ticket   int64      `json:"ticket"`
	Reason   string     `json:"reason,omitempty"`
	Result   *jobResult `json:"result,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Status(r.Context(), chi.URLParam(r, "jobId"), s.now())
	if err != nil {
		writeModelErr(w, err)
		return
	}
	out := statusResp{
		JobID:  snap.JobID,
		Status: string(snap.Status),
		Ticket: snap.Ticket,
		Reason: snap.Reason,
	}
	if snap.Status == model.JobWaiting {
		out.Position = snap.Position
	}
	if snap.Status == model.JobDone && snap.OrderID != "" {
		out.Result = &jobResult{OrderID: snap.OrderID}
	}
	writeJSON(w, http.StatusOK, out)
}

type cancelReq struct {
	JobID      string `json:"jobId"`
	EmployeeID string `json:"employeeId"`
}

type cancelResp struct {
	Cancelled bool   `json:"cancelled"`
	Status    string `json:"status"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	res, err := s.svc.Cancel(r.Context(), model.CancelRequest{
		JobID:      req.JobID,
		EmployeeID: req.EmployeeID,
		Now:        s.now(),
	})
	if err != nil {
		writeModelErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResp{Cancelled: res.Cancelled, Status: string(res.Status)})
}

// --- Sale handlers ---

type productDTO struct {
	ProductID      string    `json:"productId"`
	Name           string    `json:"name"`
	Price          int64     `json:"price"`
	SaleStart      time.Time `json:"saleStart"`
	SaleEnd        time.Time `json:"saleEnd"`
	TotalStock     int64     `json:"totalStock"`
	RemainingStock int64     `json:"remainingStock"`
}

type saleDTO struct {
	SaleStart         time.Time `json:"saleStart"`
	SaleEnd           time.Time `json:"saleEnd"`
	TotalStock        int64     `json:"totalStock"`
	RemainingStock    int64     `json:"remainingStock"`
	Status            string    `json:"status"`
	SecondsUntilStart int64     `json:"secondsUntilStart"`
}

type currentSaleResp struct {
	Product productDTO `json:"product"`
	Sale    saleDTO    `json:"sale"`
}

func toProductDTO(p model.Product) productDTO {
	return productDTO{
		ProductID:      p.ID,
		Name:           p.Name,
		Price:          p.Price,
		SaleStart:      p.SaleStart.UTC(),
		SaleEnd:        p.SaleEnd.UTC(),
		TotalStock:     p.TotalStock,
		RemainingStock: p.RemainingStock,
	}
}

func (s *Server) handleCurrentSale(w http.ResponseWriter, r *http.Request) {
	p, win, err := s.svc.CurrentSale(r.Context(), r.URL.Query().Get("productId"), s.now())
	if err != nil {
		writeModelErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, currentSaleResp{
		Product: toProductDTO(p),
		Sale: saleDTO{
			SaleStart:         win.SaleStart.UTC(),
			SaleEnd:           win.SaleEnd.UTC(),
			TotalStock:        win.TotalStock,
			RemainingStock:    win.RemainingStock,
			Status:            string(win.Status),
			SecondsUntilStart: win.SecondsUntilStart,
		},
	})
}

type putProductReq struct {
	Name       string    `json:"name"`
	Price      int64     `json:"price"`
	SaleStart  time.Time `json:"saleStart"`
	SaleEnd    time.Time `json:"saleEnd"`
	TotalStock int64     `json:"totalStock"`
}

func (s *Server) handlePutProduct(w http.ResponseWriter, r *http.Request) {
	var req putProductReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	p, err := s.svc.UpsertProduct(r.Context(), model.Product{
		ID:         chi.URLParam(r, "productId"),
		Name:       req.Name,
		Price:      req.Price,
		SaleStart:  req.SaleStart,
		SaleEnd:    req.SaleEnd,
		TotalStock: req.TotalStock,
	}, s.now())
	if err != nil {
		writeModelErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

// --- Order callbacks ---

type orderResp struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

func (s *Server) handleCompleteOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.CompleteOrder(r.Context(), chi.URLParam(r, "orderId"), s.now())
	if err != nil {
		writeModelErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResp{OrderID: o.ID, Status: string(o.Status)})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.CancelOrder(r.Context(), chi.URLParam(r, "orderId"), s.now())
	if err != nil {
		writeModelErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResp{OrderID: o.ID, Status: string(o.Status)})
}

// --- helpers ---

const (
	codeInvalidInput = "INVALID_INPUT"
	codeActiveOrder  = "ACTIVE_ORDER"
	codeSaleNotOpen  = "SALE_NOT_OPEN"
	codeNotFound     = "NOT_FOUND"
	codeBusy         = "BUSY"
	codeOrderClosed  = "ORDER_CLOSED"
	codeInternal     = "INTERNAL"
)

type errResp struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func writeModelErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		writeErr(w, http.StatusBadRequest, codeInvalidInput, err.Error())
	case errors.Is(err, model.ErrActiveOrderExists):
		writeErr(w, http.StatusConflict, codeActiveOrder, "an order for this product is already in progress")
	case errors.Is(err, model.ErrSaleNotOpen):
		writeErr(w, http.StatusForbidden, codeSaleNotOpen, "the sale is not open")
	case errors.Is(err, model.ErrProductNotFound),
		errors.Is(err, model.ErrJobNotFound),
		errors.Is(err, model.ErrOrderNotFound):
		writeErr(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, model.ErrOrderClosed):
		writeErr(w, http.StatusConflict, codeOrderClosed, err.Error())
	case errors.Is(err, model.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeErr(w, http.StatusServiceUnavailable, codeBusy, "busy, retry")
	default:
		writeErr(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errResp{Success: false, Message: msg, Code: code})
}
