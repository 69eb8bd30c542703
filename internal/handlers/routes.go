package handlers

import (
	"github.com/gorilla/mux"
)

// RegisterRoutes wires every endpoint onto the router.
func RegisterRoutes(h *Handler, r *mux.Router) {
	r.HandleFunc("/api/health", h.Health).Methods("GET")

	// Post lifecycle
	r.HandleFunc("/api/posts/owner/{ownerId}", h.CreatePostForOwner).Methods("POST")
	r.HandleFunc("/api/posts/owner/{ownerId}", h.ListPostsForOwner).Methods("GET")
	r.HandleFunc("/api/posts/owner/{ownerId}/calendar", h.CalendarForOwner).Methods("GET")
	r.HandleFunc("/api/posts/owner/{ownerId}/{postId}", h.GetPostForOwner).Methods("GET")
	r.HandleFunc("/api/posts/owner/{ownerId}/{postId}", h.UpdatePostForOwner).Methods("PATCH")
	r.HandleFunc("/api/posts/owner/{ownerId}/{postId}", h.DeletePostForOwner).Methods("DELETE")
	r.HandleFunc("/api/posts/owner/{ownerId}/{postId}/reschedule", h.ReschedulePostForOwner).Methods("POST")
	r.HandleFunc("/api/posts/owner/{ownerId}/{postId}/retry", h.RetryPostForOwner).Methods("POST")
	r.HandleFunc("/api/posts/owner/{ownerId}/{postId}/retry-readiness", h.RetryReadinessForOwner).Methods("GET")

	// Publishing
	r.HandleFunc("/api/publish/owner/{ownerId}", h.PublishImmediateForOwner).Methods("POST")
	r.HandleFunc("/api/posts/owner/{ownerId}/{postId}/publish", h.PublishPostForOwner).Methods("POST")
	r.HandleFunc("/api/internal/publish-due", h.PublishDue).Methods("POST")
	r.HandleFunc("/api/internal/connections/mark-stale", h.MarkStaleConnections).Methods("POST")

	// Quota and usage
	r.HandleFunc("/api/quota/owner/{ownerId}", h.QuotaForOwner).Methods("GET")
	r.HandleFunc("/api/usage/owner/{ownerId}", h.RecordUsageForOwner).Methods("POST")
	r.HandleFunc("/api/usage/owner/{ownerId}/reserve", h.ReserveGenerationForOwner).Methods("POST")

	// Subscription and billing
	r.HandleFunc("/api/subscription/owner/{ownerId}", h.GetSubscriptionForOwner).Methods("GET")
	r.HandleFunc("/api/subscription/owner/{ownerId}/tier", h.UpdateTierForOwner).Methods("POST")
	r.HandleFunc("/webhook/stripe", h.StripeWebhook).Methods("POST")

	// Connected accounts and OAuth
	r.HandleFunc("/api/connections/owner/{ownerId}", h.ConnectionsForOwner).Methods("GET")
	r.HandleFunc("/api/connections/owner/{ownerId}/{platform}", h.DisconnectPlatformForOwner).Methods("DELETE")
	r.HandleFunc("/api/auth/owner/{ownerId}/{platform}/start", h.StartAuthForOwner).Methods("POST")
	r.HandleFunc("/api/auth/callback", h.AuthCallback).Methods("GET")
	r.HandleFunc("/api/auth/session/{sessionId}", h.AuthSessionStatus).Methods("GET")
	r.HandleFunc("/api/auth/session/{sessionId}/closed", h.AuthPopupClosed).Methods("POST")

	// Assets
	r.HandleFunc("/api/assets/owner/{ownerId}", h.UploadAssetForOwner).Methods("POST")
	r.HandleFunc("/api/assets/owner/{ownerId}/revert", h.RevertAssetForOwner).Methods("POST")
	r.HandleFunc("/api/assets/owner/{ownerId}/delete", h.DeleteAssetForOwner).Methods("POST")

	// Realtime
	r.HandleFunc("/api/events/ws", h.EventsWebSocket)
}
