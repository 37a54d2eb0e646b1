package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/orderflow/internal/order/domain"
	"github.com/davicafu/orderflow/pkg/utils"
)

// CustomerHeader permite al llamante indicar el cliente; si falta se usa el configurado.
const CustomerHeader = "X-Customer-Id"

// OrderService es lo que el endpoint necesita del coordinador.
type OrderService interface {
	CreateOrder(ctx context.Context, customerID string, amount float64) (*domain.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
}

// OrderHandler encapsula los endpoints HTTP de órdenes
type OrderHandler struct {
	service           OrderService
	defaultCustomerID string
	log               *zap.Logger
}

func NewOrderHandler(service OrderService, defaultCustomerID string, log *zap.Logger) *OrderHandler {
	return &OrderHandler{service: service, defaultCustomerID: defaultCustomerID, log: log}
}

// amountValue acepta un número JSON o un string numérico ("49.99").
type amountValue float64

func (a *amountValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("amount %q is not a number", s)
		}
		*a = amountValue(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("amount must be a number")
	}
	*a = amountValue(f)
	return nil
}

type createOrderRequest struct {
	Amount *amountValue `json:"amount" binding:"required"`
}

// CreateOrder endpoint POST /orders
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	customerID := strings.TrimSpace(c.GetHeader(CustomerHeader))
	if customerID == "" {
		customerID = h.defaultCustomerID
	}

	order, err := h.service.CreateOrder(c.Request.Context(), customerID, float64(*req.Amount))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidOrder) {
			utils.SendBadRequest(c, err.Error())
			return
		}
		h.log.Error("Failed to create order", zap.Error(err))
		utils.SendInternalServerError(c, "failed to create order")
		return
	}

	utils.SendSuccess(c, http.StatusCreated, order)
}

// GetOrder endpoint GET /orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.SendBadRequest(c, "invalid order id")
		return
	}

	order, err := h.service.GetOrder(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			utils.SendNotFound(c, "order not found")
			return
		}
		h.log.Error("Failed to get order", zap.String("order_id", id.String()), zap.Error(err))
		utils.SendInternalServerError(c, "failed to get order")
		return
	}

	utils.SendSuccess(c, http.StatusOK, order)
}
