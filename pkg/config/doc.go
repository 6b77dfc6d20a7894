// Package config loads settle's configuration from SETTLE_* environment
// variables with defaults, then validates it.
//
// Required:
//
//	SETTLE_DATABASE_URL="postgres://settle@localhost/settle?sslmode=disable"
//	SETTLE_JWT_SECRET="..."
//	SETTLE_CALLBACK_BASE_URL="https://pay.example.com"   # or SETTLE_GATEWAY=stripe
//	SETTLE_CALLBACK_WEBHOOK_SECRET="..."
//
// Optional components switch on when configured: SETTLE_REDIS_URL enables
// distributed tenant locks and webhook rate limiting, SETTLE_S3_BUCKET the
// payload archive, SETTLE_NOTIFY_ENDPOINTS outbound billing events and
// SETTLE_CATALOG_PATH the YAML plan catalog.
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
