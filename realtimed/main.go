package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"profieldmanager.com/realtime"
)

const Version = "0.1.0"

func main() {
	usage := `Realtime event bus daemon.

Serves the websocket endpoint for clients, the publish endpoint for the
api layer, and optionally bridges to other bus processes through redis.

Usage:
    realtimed serve [--port=<port>] [--jwt_secret=<jwt_secret>]
        [--publish_secret=<publish_secret>]
        [--redis_addr=<redis_addr>]
    realtimed mint --org_id=<org_id> --user_id=<user_id>
        [--jwt_secret=<jwt_secret>] [--expires_in=<expires_in>]

Options:
    -h --help                          Show this screen.
    --version                          Show version.
    -p --port=<port>                   Listen port [default: 8090].
    --jwt_secret=<jwt_secret>          Session token secret shared with the api layer.
                                       Defaults to env REALTIME_JWT_SECRET.
    --publish_secret=<publish_secret>  Shared secret required on POST /publish.
                                       Defaults to env REALTIME_PUBLISH_SECRET.
    --redis_addr=<redis_addr>          Redis address for the multi-process bridge.
                                       Defaults to env REALTIME_REDIS_ADDR. Empty disables the bridge.
    --org_id=<org_id>                  Organization id for the minted token.
    --user_id=<user_id>                User id for the minted token.
    --expires_in=<expires_in>          Minted token lifetime [default: 24h].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if mint_, _ := opts.Bool("mint"); mint_ {
		mint(opts)
	}
}

func optString(opts docopt.Opts, name string, envName string) string {
	if value, ok := opts[name].(string); ok && value != "" {
		return value
	}
	return os.Getenv(envName)
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	jwtSecret := optString(opts, "--jwt_secret", "REALTIME_JWT_SECRET")
	if jwtSecret == "" {
		fmt.Fprintln(os.Stderr, "missing --jwt_secret / REALTIME_JWT_SECRET")
		os.Exit(1)
	}
	publishSecret := optString(opts, "--publish_secret", "REALTIME_PUBLISH_SECRET")
	redisAddr := optString(opts, "--redis_addr", "REALTIME_REDIS_ADDR")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := realtime.NewConnectionRegistry(ctx)
	verifier := realtime.NewJwtSessionVerifier([]byte(jwtSecret))
	server := realtime.NewServerWithDefaults(ctx, registry, verifier)
	publisher := realtime.NewPublisher(ctx, registry)

	if redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			fmt.Fprintf(os.Stderr, "redis unreachable: %s\n", err)
			os.Exit(1)
		}
		bridge := realtime.NewRedisBridgeWithDefaults(ctx, redisClient, publisher)
		defer bridge.Close()
		glog.Infof("[d]bridge enabled via %s\n", redisAddr)
	}

	router := mux.NewRouter()
	router.Handle("/ws", server).Methods("GET")
	router.HandleFunc("/publish", publishHandler(publisher, publishSecret)).Methods("POST")
	router.HandleFunc("/status", statusHandler(registry)).Methods("GET")

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		registry.Close()
	}()

	glog.Infof("[d]listening on :%d\n", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

type publishRequest struct {
	OrgId   realtime.Id           `json:"organization_id"`
	Type    realtime.EventType    `json:"type"`
	Payload realtime.EventPayload `json:"payload"`
}

// publishHandler is the inbound edge for the api layer: one POST per
// committed mutation. Delivery is best effort, so the response is 202
// as soon as the event is handed to the publisher.
func publishHandler(publisher *realtime.Publisher, publishSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if publishSecret != "" {
			header := r.Header.Get("X-Publish-Secret")
			if subtle.ConstantTimeCompare([]byte(header), []byte(publishSecret)) != 1 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}

		var request publishRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		if (request.OrgId == realtime.Id{}) || request.Type == "" {
			http.Error(w, "missing organization_id or type", http.StatusBadRequest)
			return
		}

		publisher.Publish(request.OrgId, request.Type, request.Payload)
		w.WriteHeader(http.StatusAccepted)
	}
}

func statusHandler(registry *realtime.ConnectionRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgCounts := map[string]int{}
		for orgId, count := range registry.OrgConnectionCounts() {
			orgCounts[orgId.String()] = count
		}
		status := map[string]any{
			"connections":   registry.ConnectionCount(),
			"organizations": orgCounts,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}
}

func mint(opts docopt.Opts) {
	jwtSecret := optString(opts, "--jwt_secret", "REALTIME_JWT_SECRET")
	if jwtSecret == "" {
		fmt.Fprintln(os.Stderr, "missing --jwt_secret / REALTIME_JWT_SECRET")
		os.Exit(1)
	}

	orgId, err := realtime.ParseId(opts["--org_id"].(string))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad --org_id: %s\n", err)
		os.Exit(1)
	}
	userId, err := realtime.ParseId(opts["--user_id"].(string))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad --user_id: %s\n", err)
		os.Exit(1)
	}

	expiresInStr, _ := opts["--expires_in"].(string)
	expiresIn, err := time.ParseDuration(expiresInStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad --expires_in: %s\n", err)
		os.Exit(1)
	}

	token, err := realtime.MintSessionToken([]byte(jwtSecret), orgId, userId, expiresIn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", token)
}
