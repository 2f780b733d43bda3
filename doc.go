// Package pickd exposes the Go APIs behind the warehouse picking coordination
// service: exclusive section leases with heartbeat renewal, authoritative
// pick state, real-time observer events, and a supervisor-gated exception
// flow. The server runs as a single binary but the package also makes it easy
// to embed the server or talk to pickd from Go clients.
//
// # Running a server
//
//	cfg := pickd.Config{
//	    Store:       "disk:///var/lib/pickd",
//	    Listen:      ":9344",
//	    CatalogPath: "/etc/pickd/orders.yaml",
//	    AuthFile:    "/etc/pickd/users.yaml",
//	}
//	srv, err := pickd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("pickd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("pickd shutdown: %v", err)
//	    }
//	}()
//
// A section lease is granted to exactly one device at a time. The holder
// renews it by heartbeat; when heartbeats stop, the sweeper reclaims the
// lease after Config.LeaseTTL and other devices may acquire the section.
//
// # Device sessions
//
// The Go client (pkt.systems/pickd/client) wraps the HTTP API. A Session
// acquires the lease, seeds a durable on-device replica, renews the lease in
// the background, and flushes locally recorded picks when connectivity
// allows:
//
//	store, _ := replica.NewFileStore("/data/pickd")
//	sess, err := client.StartSession(ctx, client.SessionConfig{
//	    Client:    client.New("http://pickd:9344"),
//	    Store:     store,
//	    OrderID:   "order-1042",
//	    SectionID: "cold-storage",
//	    UserID:    "operator-7",
//	})
//	if err != nil { log.Fatal(err) }
//	sess.RecordPick("item-1", replica.LocalPick{Qty: 5})
//	if err := sess.Flush(ctx); err != nil { log.Print(err) }
//	if err := sess.Finish(ctx); err != nil { log.Print(err) }
//
// # Events
//
// GET /v1/events streams lock, picking, and exception events as server-sent
// events. Delivery is at most once with no backlog: events carry identifiers
// only and observers re-fetch authoritative state through the section and
// order endpoints.
package pickd
