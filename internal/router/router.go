package router

import (
	"net/http"
	"strconv"

	"club_billing/internal/diagnostics"
	ierr "club_billing/internal/errors"
	"club_billing/internal/materialize"
	"club_billing/internal/middleware"
	"club_billing/internal/model"
	"club_billing/internal/planmap"
	"club_billing/internal/reconcile"
	"club_billing/internal/renewal"
	"club_billing/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Deps are the components the HTTP surface drives. WebhookLimit may be nil
// to serve the webhook without rate limiting.
type Deps struct {
	Store        *store.Store
	Processor    *reconcile.Processor
	Mapper       *planmap.Mapper
	Materializer *materialize.Materializer
	Renewals     *renewal.Scheduler
	Detector     *diagnostics.Detector
	WebhookLimit gin.HandlerFunc
	AdminToken   string
	Log          *zap.Logger
}

// Setup registers every HTTP route.
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	hook := []gin.HandlerFunc{}
	if d.WebhookLimit != nil {
		hook = append(hook, d.WebhookLimit)
	}
	r.POST("/api/webhooks/payments", append(hook, ingestWebhook(d.Processor, d.Log))...)

	admin := r.Group("/api/admin", middleware.AdminToken(d.AdminToken))

	admin.GET("/queue/:id", getQueueItem(d.Store))
	admin.POST("/queue/:id/requeue", requeue(d.Processor))
	admin.POST("/queue/:id/apply-mapping", applyMapping(d.Processor))
	admin.POST("/queue/:id/materialize", materializeOne(d.Processor))
	admin.POST("/queue/bulk-materialize", materializeBulk(d.Processor))

	admin.GET("/mappings", listMappings(d.Mapper))
	admin.POST("/mappings", upsertMapping(d.Mapper, d.Processor))

	admin.POST("/orders/:id/apply-mapping", applyMappingToOrder(d.Mapper))
	admin.POST("/orders/:id/grant-access", grantAccess(d.Materializer))

	admin.POST("/entitlements/:id/charge", chargeNow(d.Renewals))
	admin.POST("/entitlements/:id/payment-method", replacePaymentMethod(d.Renewals))

	diag := admin.Group("/diagnostics")
	diag.GET("/stuck", withLimit(func(c *gin.Context, limit int) (any, error) {
		return d.Detector.Stuck(c.Request.Context(), limit)
	}))
	diag.GET("/unmaterialized", withLimit(func(c *gin.Context, limit int) (any, error) {
		return d.Detector.UnmaterializedMoney(c.Request.Context(), limit)
	}))
	diag.GET("/orphans", withLimit(func(c *gin.Context, limit int) (any, error) {
		return d.Detector.OrphanSubscriptions(c.Request.Context(), limit)
	}))
	diag.GET("/mismatched-mappings", withLimit(func(c *gin.Context, limit int) (any, error) {
		return d.Detector.MismatchedMappings(c.Request.Context(), limit)
	}))
	diag.GET("/timed-out-charges", withLimit(func(c *gin.Context, limit int) (any, error) {
		return d.Detector.TimedOutCharges(c.Request.Context(), limit)
	}))

	admin.POST("/provider-subscriptions/:id/cancel", cancelOrphan(d.Detector))
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

// fail writes err with the status its taxonomy marker maps to.
func fail(c *gin.Context, err error) {
	status := ierr.HTTPStatusFromErr(err)
	body := gin.H{"code": status, "error": ierr.Code(err), "msg": err.Error()}
	if hint := ierr.Hint(err); hint != "" {
		body["hint"] = hint
	}
	_ = c.Error(err)
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": ierr.ErrCodeValidation, "msg": err.Error()})
}

// ingestWebhook records a provider event. Redelivery of a known event id
// returns the stored item with duplicate=true.
func ingestWebhook(p *reconcile.Processor, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev model.InboundEvent
		if err := c.ShouldBindJSON(&ev); err != nil {
			badRequest(c, err)
			return
		}
		item, duplicate, err := p.Ingest(c.Request.Context(), ev, model.SourceWebhook)
		if err != nil {
			log.Warn("webhook rejected",
				zap.String("provider_event_id", ev.ProviderEventID),
				zap.Error(err))
			fail(c, err)
			return
		}
		ok(c, gin.H{"item": item, "duplicate": duplicate})
	}
}

func getQueueItem(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		item, err := s.GetQueueItem(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, item)
	}
}

func requeue(p *reconcile.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		item, err := p.Requeue(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, item)
	}
}

func applyMapping(p *reconcile.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		item, err := p.ApplyMapping(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, item)
	}
}

func materializeOne(p *reconcile.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reconcile.MaterializeRequest
		req.QueueItemID = c.Param("id")
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		req.QueueItemID = c.Param("id")
		res, err := p.MaterializeManual(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

func materializeBulk(p *reconcile.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Items []reconcile.MaterializeRequest `json:"items" binding:"required,min=1,max=100,dive"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		ok(c, p.BulkMaterialize(c.Request.Context(), req.Items))
	}
}

func listMappings(m *planmap.Mapper) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := m.List(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

// upsertMapping saves a mapping. With reprocess set, every needs-mapping
// item carrying the same plan title is run through it right away.
func upsertMapping(m *planmap.Mapper, p *reconcile.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProviderPlanTitle string  `json:"provider_plan_title" binding:"required"`
			ProductID         string  `json:"product_id" binding:"required"`
			TariffID          *string `json:"tariff_id"`
			OfferID           *string `json:"offer_id"`
			AutoCreateOrder   *bool   `json:"auto_create_order"`
			Active            *bool   `json:"active"`
			Reprocess         bool    `json:"reprocess"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		pm := &model.PlanMapping{
			ProviderPlanTitle: req.ProviderPlanTitle,
			ProductID:         req.ProductID,
			TariffID:          req.TariffID,
			OfferID:           req.OfferID,
			AutoCreateOrder:   req.AutoCreateOrder == nil || *req.AutoCreateOrder,
			Active:            req.Active == nil || *req.Active,
		}
		if err := m.Upsert(c.Request.Context(), pm); err != nil {
			fail(c, err)
			return
		}

		reprocessed := 0
		if req.Reprocess {
			n, err := p.ReprocessPlan(c.Request.Context(), pm.ProviderPlanTitle)
			if err != nil {
				fail(c, err)
				return
			}
			reprocessed = n
		}
		ok(c, gin.H{"mapping": pm, "reprocessed": reprocessed})
	}
}

func applyMappingToOrder(m *planmap.Mapper) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := m.ApplyToOrder(c.Request.Context(), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

func grantAccess(mat *materialize.Materializer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req materialize.GrantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		req.OrderID = c.Param("id")
		res, err := mat.GrantAccess(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

// chargeNow triggers one renewal attempt. A declined charge is still a
// recorded outcome and is reported with 200.
func chargeNow(s *renewal.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := s.ChargeNow(c.Request.Context(), c.Param("id"))
		if out == "" {
			fail(c, err)
			return
		}
		data := gin.H{"outcome": out}
		if err != nil {
			data["error"] = err.Error()
			data["error_code"] = ierr.Code(err)
		}
		ok(c, data)
	}
}

func replacePaymentMethod(s *renewal.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			PaymentMethodID string `json:"payment_method_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		if err := s.ReplacePaymentMethod(c.Request.Context(), c.Param("id"), req.PaymentMethodID); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"entitlement_id": c.Param("id"), "payment_method_id": req.PaymentMethodID})
	}
}

func cancelOrphan(d *diagnostics.Detector) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := d.CancelOrphan(c.Request.Context(), c.Param("id")); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"subscription_id": c.Param("id"), "cancelled": true})
	}
}

// withLimit parses ?limit= and hands it to a diagnostics query, which
// clamps it.
func withLimit(query func(c *gin.Context, limit int) (any, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "error": ierr.ErrCodeValidation, "msg": "limit must be an integer"})
				return
			}
			limit = n
		}
		data, err := query(c, limit)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, data)
	}
}
