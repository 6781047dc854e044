// Package httpserver runs the service's HTTP listener and serves its health
// probes.
//
// Server.Run serves until the context is cancelled and then drains
// in-flight requests, so the caller owns signal handling:
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//
//	srv := httpserver.New(cfg, httpserver.WithLogger(log))
//	if err := srv.Run(ctx, router); err != nil {
//		return err
//	}
//
// LivenessHandler always answers 200. ReadinessHandler runs every Check with
// a deadline and answers 503 when any of them fails; failure causes go to
// the log, never to the response body.
package httpserver
