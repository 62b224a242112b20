package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/dtm-labs/client/dtmcli"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/skiunel/buysewa-sub001/orders"
	"github.com/skiunel/buysewa-sub001/reviews"
	"github.com/skiunel/buysewa-sub001/sdc"
	"github.com/skiunel/buysewa-sub001/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// IssuanceService define as operações de emissão usadas pelos handlers
type IssuanceService interface {
	IssueSDC(ctx context.Context, orderID, productID, userID string) (*reviews.IssuedSDC, error)
	OnOrderDelivered(ctx context.Context, orderID, productID, userID string) (*reviews.IssuedSDC, error)
	IssueForOrder(ctx context.Context, orderID string) ([]*reviews.IssuedSDC, error)
	RetryRegistration(ctx context.Context, digest string) error
}

// RedemptionService define a operação de resgate
type RedemptionService interface {
	RedeemAndReview(ctx context.Context, req reviews.RedeemRequest) (*sdc.Review, error)
}

// AuditService confronta o espelho local com o ledger
type AuditService interface {
	AuditProduct(ctx context.Context, productID string) (*reviews.AuditReport, error)
}

// IssueSDCRequest representa a requisição de emissão
type IssueSDCRequest struct {
	OrderID   string `json:"order_id" binding:"required"`
	ProductID string `json:"product_id" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
}

// OrderDeliveredRequest é o webhook do serviço de pedidos. Sem product_id,
// emite para todos os produtos do pedido. Items só é usado quando o serviço
// roda com o diretório de pedidos em memória.
type OrderDeliveredRequest struct {
	OrderID   string            `json:"order_id" binding:"required"`
	ProductID string            `json:"product_id"`
	UserID    string            `json:"user_id"`
	Items     []orders.LineItem `json:"items"`
}

// ReviewHandler contém os handlers HTTP
type ReviewHandler struct {
	issuance   IssuanceService
	redemption RedemptionService
	audit      AuditService
	store      store.Store
	mirror     *orders.MemoryDirectory
	tracer     trace.Tracer
}

// NewReviewHandler cria uma nova instância de ReviewHandler. mirror pode ser nil.
func NewReviewHandler(
	issuance IssuanceService,
	redemption RedemptionService,
	audit AuditService,
	st store.Store,
	mirror *orders.MemoryDirectory,
	tracer trace.Tracer,
) *ReviewHandler {
	return &ReviewHandler{
		issuance:   issuance,
		redemption: redemption,
		audit:      audit,
		store:      st,
		mirror:     mirror,
		tracer:     tracer,
	}
}

// RegisterRoutes monta as rotas no router.
func (h *ReviewHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.POST("/sdc", h.IssueSDC)
	api.GET("/sdc/:digest", h.GetSDC)
	api.POST("/sdc/register", h.RegisterBranch)
	api.POST("/orders/delivered", h.OrderDelivered)
	api.POST("/reviews", h.RedeemAndReview)
	api.GET("/products/:id/reviews", h.ListProductReviews)
	api.GET("/products/:id/reviews/audit", h.AuditProduct)
	api.GET("/reconciliations", h.ListReconciliations)
}

// IssueSDC emite o SDC de um item entregue. O código em texto plano só aparece
// na primeira resposta.
func (h *ReviewHandler) IssueSDC(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "issue_sdc")
	defer span.End()

	var req IssueSDCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("order_id", req.OrderID),
		attribute.String("product_id", req.ProductID),
		attribute.String("user_id", req.UserID),
	)

	issued, err := h.issuance.IssueSDC(ctx, req.OrderID, req.ProductID, req.UserID)
	if err != nil {
		span.RecordError(err)
		respondError(c, err)
		return
	}

	span.SetAttributes(
		attribute.String("sdc.digest", issued.Digest),
		attribute.String("sdc.state", string(issued.State)),
	)

	status := http.StatusCreated
	if issued.AlreadyIssued {
		status = http.StatusOK
	}
	c.JSON(status, issued)
}

// GetSDC devolve o estado do SDC. Nunca inclui o código.
func (h *ReviewHandler) GetSDC(c *gin.Context) {
	code, err := h.store.Lookup(c.Request.Context(), c.Param("digest"))
	if err != nil {
		if errors.Is(err, sdc.ErrSDCNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sdc":        code,
		"state":      code.State(),
		"redeemable": code.Redeemable(),
	})
}

// RegisterBranch é a branch da mensagem DTM que registra o digest no ledger.
func (h *ReviewHandler) RegisterBranch(c *gin.Context) {
	var req RegisterBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, span := startSpanFromPayload(c.Request.Context(), "register_sdc", req)
	defer span.End()
	ctx, branch := CreateDTMBranchSpan(ctx, "register_sdc", registrationGID(req.Digest))
	defer branch.End()

	span.SetAttributes(
		attribute.String("sdc.digest", req.Digest),
		attribute.String("trace_id", req.TraceID),
	)

	err := h.issuance.RetryRegistration(ctx, req.Digest)
	switch kind := reviews.KindOf(err); kind {
	case "":
		c.JSON(http.StatusOK, gin.H{"dtm_result": dtmcli.ResultSuccess})
	case reviews.KindLedgerRejected, reviews.KindInvalidCode:
		// FAILURE encerra a mensagem; a reconciliação segue com o operador
		span.RecordError(err)
		c.JSON(http.StatusConflict, gin.H{"dtm_result": dtmcli.ResultFailure, "error": err.Error(), "kind": kind})
	default:
		span.RecordError(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "kind": kind})
	}
}

// OrderDelivered recebe o webhook de entrega. Tolerante a reentregas.
func (h *ReviewHandler) OrderDelivered(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "order_delivered")
	defer span.End()

	var req OrderDeliveredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.String("order_id", req.OrderID))
	if req.ProductID != "" && req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required with product_id"})
		return
	}

	if h.mirror != nil && len(req.Items) > 0 {
		if err := h.mirrorDelivered(req); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
	}

	var (
		issued []*reviews.IssuedSDC
		err    error
	)
	if req.ProductID != "" {
		var one *reviews.IssuedSDC
		one, err = h.issuance.OnOrderDelivered(ctx, req.OrderID, req.ProductID, req.UserID)
		if one != nil {
			issued = append(issued, one)
		}
	} else {
		issued, err = h.issuance.IssueForOrder(ctx, req.OrderID)
	}

	// o código vai ao comprador pelo notificador, nunca pela resposta do webhook
	for _, code := range issued {
		code.PlaintextCode = ""
	}

	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("order_id", req.OrderID).Int("issued", len(issued)).Msg("⚠️ issuance on delivery incomplete")
		status, kind := statusFor(err)
		c.JSON(status, gin.H{"error": err.Error(), "kind": kind, "issued": issued})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order_id": req.OrderID, "issued": issued})
}

func (h *ReviewHandler) mirrorDelivered(req OrderDeliveredRequest) error {
	order := orders.NewOrder(req.OrderID, req.UserID, req.Items)
	order.PaymentStatus = orders.PaymentPaid
	if err := order.Transition(orders.StatusShipped); err != nil {
		return err
	}
	if err := order.Transition(orders.StatusDelivered); err != nil {
		return err
	}
	h.mirror.Put(order)
	return nil
}

// RedeemAndReview resgata o SDC e publica a review verificada.
func (h *ReviewHandler) RedeemAndReview(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "redeem_and_review")
	defer span.End()

	var req reviews.RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("product_id", req.ProductID),
		attribute.String("user_id", req.UserID),
		attribute.Int("rating", req.Rating),
	)

	review, err := h.redemption.RedeemAndReview(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.kind", string(reviews.KindOf(err))))
		respondError(c, err)
		return
	}

	span.SetAttributes(
		attribute.String("review_id", review.ID),
		attribute.String("ledger_tx_ref", review.LedgerTxRef),
	)
	c.JSON(http.StatusCreated, review)
}

// ListProductReviews lê o espelho local de reviews do produto.
func (h *ReviewHandler) ListProductReviews(c *gin.Context) {
	productID := c.Param("id")
	limit := queryInt(c, "limit", 20, 100)
	offset := queryInt(c, "offset", 0, -1)

	items, err := h.store.ListReviewsByProduct(c.Request.Context(), productID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	total, err := h.store.CountReviewsByProduct(c.Request.Context(), productID)
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []*sdc.Review{}
	}

	c.JSON(http.StatusOK, gin.H{
		"product_id": productID,
		"total":      total,
		"limit":      limit,
		"offset":     offset,
		"reviews":    items,
	})
}

// AuditProduct confronta as reviews do produto com o ledger.
func (h *ReviewHandler) AuditProduct(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "audit_product")
	defer span.End()
	span.SetAttributes(attribute.String("product_id", c.Param("id")))

	report, err := h.audit.AuditProduct(ctx, c.Param("id"))
	if err != nil {
		span.RecordError(err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"consistent": report.Consistent(), "report": report})
}

// ListReconciliations lista os registros de reconciliação abertos.
func (h *ReviewHandler) ListReconciliations(c *gin.Context) {
	records, err := h.store.ListOpenReconciliations(c.Request.Context(), queryInt(c, "limit", 50, 500))
	if err != nil {
		respondError(c, err)
		return
	}
	if records == nil {
		records = []*sdc.ReconciliationRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// HealthCheck verifica a saúde do serviço
func (h *ReviewHandler) HealthCheck(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"service": "sdc-reviews",
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "sdc-reviews",
	})
}

// statusFor traduz o ErrorKind em status HTTP.
func statusFor(err error) (int, reviews.ErrorKind) {
	kind := reviews.KindOf(err)
	switch kind {
	case reviews.KindAlreadyRedeemed, reviews.KindDuplicateIssuance,
		reviews.KindLedgerRejected, reviews.KindLedgerStateConflict:
		return http.StatusConflict, kind
	case reviews.KindNotRegistered, reviews.KindReconciliationPending:
		return http.StatusTooEarly, kind
	case reviews.KindLedgerUnavailable:
		return http.StatusServiceUnavailable, kind
	case reviews.KindInvalidReview, reviews.KindOrderNotDeliverable:
		return http.StatusUnprocessableEntity, kind
	case reviews.KindInvalidCode:
		return http.StatusNotFound, kind
	default:
		return http.StatusInternalServerError, kind
	}
}

func respondError(c *gin.Context, err error) {
	status, kind := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("❌ request failed")
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

// queryInt lê um inteiro não negativo da query; max < 0 desliga o teto.
func queryInt(c *gin.Context, key string, def, max int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 0 {
		return def
	}
	if max >= 0 && n > max {
		return max
	}
	return n
}
