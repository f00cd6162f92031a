// Package detrack provides a forward HTTP/HTTPS proxy that blocks requests
// to known tracking and advertising domains.
//
// HTTPS traffic is never decrypted: CONNECT requests are either blocked or
// tunneled as an opaque bidirectional byte relay. Plain HTTP requests are
// forwarded upstream after a blocklist check. A heuristic classifier scores
// allowed requests for tracker likelihood and queues suspicious domains for
// human review; it suggests, it never blocks on its own.
//
// Basic usage:
//
//	bl, err := detrack.NewBlockList("trackers.txt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	hub := detrack.NewHub(bl, detrack.NewClassifier())
//	proxy := detrack.NewProxy("127.0.0.1:8100", hub)
//	proxy.Admin = detrack.NewAdminAPI(hub)
//
//	log.Fatal(proxy.ListenAndServe())
//
// The admin API exposes every control-surface operation (toggles, logs,
// statistics, blocklist management, classifier tuning, suggestion review)
// as REST endpoints on the proxy listener.
package detrack
