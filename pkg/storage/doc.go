// Package storage holds the persistence backends behind billing.Store.
//
// # Backends
//
//   - storage/postgres: the production ledger. Plans, subscriptions,
//     invoices, wallet transactions and webhook events live in PostgreSQL.
//     Row locks (SELECT ... FOR UPDATE) serialize plan changes and
//     settlement per tenant and per invoice. Read replicas serve list
//     endpoints only.
//   - storage/memory: an in-process ledger with the same semantics, used by
//     tests and local development.
//
// The postgres package also carries the Redis lock (RedisLocker) and the
// S3 webhook payload archive (S3Archive), since both are deployed next to
// the ledger and share its configuration.
//
// # Plan cache
//
// CachedStore wraps any billing.Store and serves GetPlan and ListPlans from
// an expiring LRU:
//
//	store := storage.NewCachedStore(
//		postgres.NewReplicatedLedgerStore(cm, 5*time.Second),
//		storage.PlanCacheConfig{MaxEntries: 256, TTL: 5 * time.Minute},
//		metrics,
//	)
//
// Plans are immutable once created, so a stale entry can only be missing,
// never wrong. Transactional reads (Tx.GetPlan) bypass the cache.
//
// # Migrations
//
// Schema changes are embedded SQL files applied with golang-migrate:
//
//	if err := migrations.Up(cm.Primary(), logger); err != nil {
//		return err
//	}
//
// # Testing
//
// Unit tests run against sqlmock and miniredis. The PostgreSQL ledger
// also has a testcontainers suite behind the integration build tag:
//
//	go test -tags integration ./pkg/storage/postgres/...
package storage
