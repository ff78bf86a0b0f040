// Package guildstore keeps per-guild configuration records (role sets and
// channel ids) in a pluggable object store and hands them out through an
// exclusive checkout: whoever holds the handle may mutate the record, and
// the change is persisted when the handle is released.
//
// # Embedding the service
//
// Service is the in-process entry point. It opens the store named by
// Config.Store, serves reads through a TTL cache and runs updates with a
// bounded wait on locked records.
//
//	cfg := guildstore.DefaultConfig()
//	cfg.Store = "s3://guild-config/prod"
//	svc, err := guildstore.New(cfg, guildstore.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	defer svc.Close()
//
//	snap, status, err := svc.View(ctx, 123456789012345678)
//	if err != nil { return err }
//	if status == checkout.StatusNotFound {
//	    // guild has not been configured yet
//	}
//	if snap.CanCreateOptins(member.Roles...) { ... }
//
// Update checks the record out, applies a mutation and commits it. Returning
// ErrNoChange from the mutation releases the record without writing.
//
//	_, status, err = svc.Update(ctx, id, func(g *record.Guild) error {
//	    g.CreatorRoles().Add(roleID)
//	    return nil
//	})
//
// # Running a server
//
// NewServer wraps a Service in the HTTP facade (GET and PATCH on
// /v1/guilds/{id}, plus /healthz). Metrics, OTLP tracing and pprof are
// enabled through MetricsListen, OTLPEndpoint and PprofListen.
//
//	srv, stop, err := guildstore.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//	log.Printf("listening on %s", srv.ListenerAddr())
//
// # Checkout directly
//
// Lower-level callers use the checkout package against Service.Store(). A
// handle must be released exactly once. Call Discard first to drop edits.
//
//	res, err := svc.Store().Checkout(ctx, id)
//	if err != nil { return err }
//	h, ok := res.Handle()
//	if !ok { return fmt.Errorf("guild %s: %s", id, res) }
//	h.Guild().SetWelcomeChannel(record.Uint64(channelID))
//	if err := h.Release(ctx); err != nil { return err }
//
// # Storage backends
//
//   - disk:path or disk:///abs/path stores one JSON file per guild and locks
//     in process.
//   - mem:// keeps records in memory behind the generic lease protocol.
//   - s3://bucket/prefix (minio-go) and aws://bucket/prefix (AWS SDK v2) write
//     a lease sidecar next to each record and use conditional puts.
//   - azure://container/prefix uses native blob leases.
//
// Projection generalises the read-through cache to any value derived from a
// guild record.
package guildstore
