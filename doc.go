// Package gramdb provides an offline-first document store for classroom
// devices that are only occasionally connected.
//
// Students and teachers accumulate profiles, progress and content locally.
// The store reconciles with a class server over HTTP when a network is
// available, or with a nearby device through compact text payloads shown
// and scanned as QR codes when it is not.
//
// # Basic Usage
//
// Open a database with default configuration:
//
//	db, err := gramdb.Open(ctx, gramdb.DefaultConfig("data"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
// Create a profile and record a quiz attempt:
//
//	user, err := db.Signup(ctx, gramdb.SignupRequest{Name: "Asha", PIN: "1234"})
//	res := gramdb.CalculateResult(4, 5)
//	_, _, err = db.RecordResult(ctx, user.ID, "math-1", res)
//
// Share progress with another device:
//
//	token, err := db.ExportProfile(ctx, user.ID)
//	// on the receiving device
//	result, err := other.ImportPayload(ctx, token)
//
// Sync with a class server:
//
//	_ = db.SetRemoteEndpoint(ctx, "http://192.168.1.10:5984")
//	report, err := db.Sync(ctx)
//
// # Features
//
// Storage:
//   - Four schema-validated collections: users, progress, content, classes
//   - Versioned schemas migrated on open, all or nothing
//   - Selector queries and change subscriptions
//   - Pluggable storage backends (file, SQLite, memory, S3)
//
// Synchronization:
//   - CouchDB-compatible pull and push with retry and a circuit breaker
//   - Peer payloads: JSON, snappy, base64url, sized for a single QR code
//   - Merge rules that never lower a score or star count
//
// Classroom:
//   - PIN accounts, classes with join codes, homework
//   - Leaderboard, activity log and attendance calendar
//   - Embedded class server with a websocket change feed
//
// # Errors
//
// Typed errors match sentinel values with errors.Is:
//
//	if errors.Is(err, gramdb.ErrValidation) { ... }
//	var me *gramdb.MigrationError
//	if errors.As(err, &me) { ... }
package gramdb
