package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// priceTier maps a Stripe price id to one of our tiers. Price ids come from
// the environment so staging and production can point at different prices.
func priceTier(priceID string) string {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return ""
	}
	if priceID == strings.TrimSpace(os.Getenv("STRIPE_PRICE_CREATOR")) {
		return "creator"
	}
	if priceID == strings.TrimSpace(os.Getenv("STRIPE_PRICE_STUDIO")) {
		return "studio"
	}
	return ""
}

// StripeWebhook ingests billing lifecycle events. Subscription create/update
// maps the active price to a tier; delete drops the owner back to free. The
// webhook is the production path for plan changes; UpdateTierForOwner is the
// manual equivalent.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	const maxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[Billing][Webhook] read error: %v", err)
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var event stripe.Event
	webhookSecret := strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET"))
	if webhookSecret != "" {
		sig := r.Header.Get("Stripe-Signature")
		if sig == "" {
			log.Printf("[Billing][Webhook] missing Stripe-Signature header")
			writeError(w, http.StatusBadRequest, "missing signature")
			return
		}
		event, err = webhook.ConstructEvent(payload, sig, webhookSecret)
		if err != nil {
			log.Printf("[Billing][Webhook] signature verification error: %v", err)
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
	} else {
		// Fallback: process without verification (dev only).
		log.Printf("[Billing][Webhook] STRIPE_WEBHOOK_SECRET not set, skipping signature verification")
		if err := json.Unmarshal(payload, &event); err != nil {
			log.Printf("[Billing][Webhook] unmarshal error: %v", err)
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	h.processStripeEvent(r.Context(), event)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) processStripeEvent(ctx context.Context, event stripe.Event) {
	// Record the event id first; a redelivered event that is already stored
	// is skipped entirely, which keeps tier updates idempotent.
	res, err := h.db.ExecContext(ctx, `
		INSERT INTO public.billing_events (stripe_event_id, stripe_event_type, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (stripe_event_id) DO NOTHING
	`, event.ID, event.Type)
	if err != nil {
		log.Printf("[Billing][Webhook] event save error: %v", err)
	} else if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("[Billing][Webhook] duplicate event skipped id=%s type=%s", event.ID, event.Type)
		return
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		h.handleSubscriptionEvent(ctx, event)
	case "customer.subscription.deleted":
		h.handleSubscriptionCancellation(ctx, event)
	case "invoice.payment_failed":
		h.handlePaymentFailure(event)
	default:
		log.Printf("[Billing][Webhook] unhandled event type: %s", event.Type)
	}
}

// ownerForSubscription finds our owner id for a Stripe subscription, first
// from the subscription metadata, then by customer id lookup.
func (h *Handler) ownerForSubscription(ctx context.Context, sub *stripe.Subscription) string {
	if owner := strings.TrimSpace(sub.Metadata["owner_id"]); owner != "" {
		return owner
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return ""
	}
	var ownerID string
	err := h.db.QueryRowContext(ctx, `
		SELECT owner_id FROM public.subscriptions WHERE stripe_customer_id = $1
	`, sub.Customer.ID).Scan(&ownerID)
	if err != nil {
		return ""
	}
	return ownerID
}

func (h *Handler) handleSubscriptionEvent(ctx context.Context, event stripe.Event) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		log.Printf("[Billing][SubscriptionEvent] unmarshal error: %v", err)
		return
	}

	ownerID := h.ownerForSubscription(ctx, &sub)
	if ownerID == "" {
		log.Printf("[Billing][SubscriptionEvent] no owner for subscription=%s", sub.ID)
		return
	}

	tier := ""
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			if t := priceTier(item.Price.ID); t != "" {
				tier = t
				break
			}
		}
	}
	if tier == "" {
		log.Printf("[Billing][SubscriptionEvent] no tier for subscription=%s owner=%s", sub.ID, ownerID)
		return
	}
	if sub.Status != stripe.SubscriptionStatusActive && sub.Status != stripe.SubscriptionStatusTrialing {
		log.Printf("[Billing][SubscriptionEvent] ignoring status=%s subscription=%s owner=%s", sub.Status, sub.ID, ownerID)
		return
	}

	customerID := ""
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}
	if err := h.updateTier(ctx, ownerID, tier, sub.ID, customerID); err != nil {
		log.Printf("[Billing][SubscriptionEvent] tier update error owner=%s: %v", ownerID, err)
	}
}

func (h *Handler) handleSubscriptionCancellation(ctx context.Context, event stripe.Event) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		log.Printf("[Billing][CancellationEvent] unmarshal error: %v", err)
		return
	}

	ownerID := h.ownerForSubscription(ctx, &sub)
	if ownerID == "" {
		log.Printf("[Billing][CancellationEvent] no owner for subscription=%s", sub.ID)
		return
	}
	if err := h.updateTier(ctx, ownerID, defaultTier, "", ""); err != nil {
		log.Printf("[Billing][CancellationEvent] downgrade error owner=%s: %v", ownerID, err)
		return
	}
	log.Printf("[Billing][CancellationEvent] downgraded owner=%s subscription=%s", ownerID, sub.ID)
}

func (h *Handler) handlePaymentFailure(event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		log.Printf("[Billing][PaymentFailure] unmarshal error: %v", err)
		return
	}
	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	log.Printf("[Billing][PaymentFailure] invoice=%s customer=%s", invoice.ID, customerID)
}
