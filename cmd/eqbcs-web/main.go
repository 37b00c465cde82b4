// Command eqbcs-web serves a browser client that talks to an EQBCS server
// through a websocket proxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/rbraunm/eqbcs/pkg/protocol"
	"github.com/rbraunm/eqbcs/pkg/webproxy"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "eqbcs-web: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eqbcs-web", flag.ContinueOnError)
	host := fs.String("host", "127.0.0.1", "EQBCS server host")
	port := fs.Int("port", protocol.DefaultPort, "EQBCS server port")
	bind := fs.String("bind", "0.0.0.0", "HTTP bind address")
	httpPort := fs.Int("http-port", 8080, "HTTP port")
	override := fs.Bool("allow-upstream-override", false, "Let ?host= and ?port= on the websocket URL choose the server")
	if err := fs.Parse(args); err != nil {
		return err
	}

	proxy := webproxy.New(webproxy.Config{
		Upstream:              net.JoinHostPort(*host, strconv.Itoa(*port)),
		AllowUpstreamOverride: *override,
	})

	addr := net.JoinHostPort(*bind, strconv.Itoa(*httpPort))
	srv := &http.Server{
		Addr:              addr,
		Handler:           proxy.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Visit http://%s/ (server %s:%d)", addr, *host, *port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	proxy.CloseAll()
	return srv.Shutdown(shutdownCtx)
}
