// Package vault implements a lease-aware, in-memory cache for secrets read
// from HashiCorp Vault.
//
// Every cached secret carries the lease Vault granted for it. A read decides,
// from the lease state of the entry, whether to serve the cached value, serve
// it while refreshing in the background, or block on a synchronous fetch:
//
//   - Unleased: fetch synchronously and block the caller.
//   - Fresh: serve the cached value without network activity.
//   - NearExpiry: serve the cached value and start one background renewal
//     (renewable leases) or refetch (everything else).
//   - Expired: refetch synchronously before returning.
//
// At most one background task runs per path. Concurrent synchronous fetches
// for the same path share a single request.
//
// # Usage
//
//	doer, _ := transport.New(transport.Config{Address: "https://vault:8200"})
//	strategy, _ := auth.NewTokenStrategy(os.Getenv("VAULT_TOKEN"))
//	engine, _ := vault.NewEngine(doer, auth.New(strategy, doer))
//	defer engine.Close(ctx)
//
//	value, found, err := engine.ReadKV(ctx, vault.KVRequest{Name: "app", Key: "password"})
//
// A missing secret or field yields found == false with a nil error. Permission
// and authentication failures are returned as errors and can be tested with
// errors.Is against ErrPermissionDenied and ErrAuthenticationFailed.
package vault
