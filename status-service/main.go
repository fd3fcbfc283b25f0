package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/user-status/pkg/otelhelper"
	"github.com/example/user-status/pkg/userstatus"
)

// Config holds the service configuration.
type Config struct {
	NatsURL       string
	NatsUser      string
	NatsPass      string
	IdleTimeout   time.Duration
	CheckInterval time.Duration
}

func loadConfig() Config {
	return Config{
		NatsURL:       envOrDefault("NATS_URL", "nats://localhost:4222"),
		NatsUser:      envOrDefault("NATS_USER", "status-service"),
		NatsPass:      envOrDefault("NATS_PASS", "status-service-secret"),
		IdleTimeout:   envDuration("IDLE_TIMEOUT", 60*time.Second),
		CheckInterval: envDuration("IDLE_CHECK_INTERVAL", 10*time.Second),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := loadConfig()
	instance := uuid.NewString()

	meter := otel.Meter("status-service")
	loginCounter, _ := meter.Int64Counter("status_logins_total",
		metric.WithDescription("Total authenticated logins processed"))
	logoutCounter, _ := meter.Int64Counter("status_logouts_total",
		metric.WithDescription("Total logouts processed"))
	disconnectCounter, _ := meter.Int64Counter("status_disconnects_total",
		metric.WithDescription("Total connection closes processed"))
	idleCounter, _ := meter.Int64Counter("status_idle_reports_total",
		metric.WithDescription("Total idle reports received from clients"))
	activeCounter, _ := meter.Int64Counter("status_active_reports_total",
		metric.WithDescription("Total active reports received from clients"))
	changeCounter, _ := meter.Int64Counter("status_changes_total",
		metric.WithDescription("Total aggregate status changes published"))
	queryCounter, _ := meter.Int64Counter("status_queries_total",
		metric.WithDescription("Total status queries served"))
	queryDuration, _ := otelhelper.NewDurationHistogram(meter, "status_query_duration_seconds",
		"Duration of status queries")

	slog.Info("Starting User Status Service", "nats_url", cfg.NatsURL,
		"idle_timeout", cfg.IdleTimeout, "check_interval", cfg.CheckInterval)

	tracker := userstatus.NewTracker(userstatus.SystemClock)
	watchdog := userstatus.NewWatchdog(tracker, cfg.IdleTimeout, cfg.CheckInterval)

	onlineGauge, _ := meter.Int64ObservableGauge("status_online_users",
		metric.WithDescription("Number of users with at least one open session"))
	sessionGauge, _ := meter.Int64ObservableGauge("status_open_sessions",
		metric.WithDescription("Number of open sessions"))
	watchedGauge, _ := meter.Int64ObservableGauge("status_watched_sessions",
		metric.WithDescription("Number of sessions armed on the idle watchdog"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(onlineGauge, int64(tracker.OnlineCount()))
		o.ObserveInt64(sessionGauge, int64(tracker.SessionCount()))
		o.ObserveInt64(watchedGauge, int64(watchdog.Watched()))
		return nil
	}, onlineGauge, sessionGauge, watchedGauge)

	createStatusKV := func(js nats.JetStreamContext) (nats.KeyValue, error) {
		return js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  "USER_STATUS",
			History: 1,
			Storage: nats.MemoryStorage,
		})
	}

	// The KV handle is replaced from the reconnect handler goroutine.
	var kvMu sync.Mutex
	var statusKV nats.KeyValue

	currentKV := func() nats.KeyValue {
		kvMu.Lock()
		defer kvMu.Unlock()
		return statusKV
	}
	setKV := func(kv nats.KeyValue) {
		kvMu.Lock()
		statusKV = kv
		kvMu.Unlock()
	}

	// mirrorAll re-publishes every tracked aggregate into the KV bucket.
	// Local memory is authoritative; the bucket is a read surface for other
	// services and is rebuilt after reconnects.
	mirrorAll := func() {
		kv := currentKV()
		if kv == nil {
			return
		}
		statuses := tracker.Statuses()
		for _, st := range statuses {
			data, err := json.Marshal(encodeStatus(st))
			if err != nil {
				continue
			}
			kv.Put(st.UserID, data)
		}
		slog.Info("Mirrored aggregates to KV", "users", len(statuses))
	}

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("status-service-"+instance),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected — recreating KV bucket and re-mirroring state")
				js, jsErr := nc.JetStream()
				if jsErr != nil {
					slog.Error("Failed to get JetStream after reconnect", "error", jsErr)
					return
				}
				kv, kvErr := createStatusKV(js)
				if kvErr != nil {
					slog.Error("Failed to recreate USER_STATUS KV after reconnect", "error", kvErr)
					return
				}
				setKV(kv)
				mirrorAll()
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}
	kv, err := createStatusKV(js)
	if err != nil {
		slog.Error("Failed to create USER_STATUS KV bucket", "error", err)
		os.Exit(1)
	}
	setKV(kv)
	slog.Info("NATS KV bucket ready", "bucket", "USER_STATUS")

	// Publish every genuine aggregate flip and mirror it into the KV bucket.
	tracker.Subscribe(func(st userstatus.UserStatus) {
		data, err := json.Marshal(encodeStatus(st))
		if err != nil {
			slog.Warn("Failed to marshal status change", "error", err, "user", st.UserID)
			return
		}
		nc.Publish("status.changed."+st.UserID, data)
		if kv := currentKV(); kv != nil {
			kv.Put(st.UserID, data)
		}
		changeCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.Bool("online", st.Online),
			attribute.Bool("idle", st.Idle),
		))
		slog.Debug("Published status change", "user", st.UserID, "online", st.Online, "idle", st.Idle)
	})

	// session.opened — the gateway reports a new connection
	_, err = nc.QueueSubscribe("session.opened", "status-workers", func(msg *nats.Msg) {
		_, span := otelhelper.StartConsumerSpan(context.Background(), msg, "session opened")
		defer span.End()

		var evt ConnectionOpenedEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.ConnId == "" {
			slog.Warn("Invalid session.opened event", "error", err)
			return
		}
		span.SetAttributes(attribute.String("session.conn_id", evt.ConnId))

		tracker.Open(evt.ConnId, evt.IPAddr, evt.UserAgent)
		slog.Debug("Session opened", "connId", evt.ConnId, "ipAddr", evt.IPAddr)
	})
	if err != nil {
		slog.Error("Failed to subscribe to session.opened", "error", err)
		os.Exit(1)
	}

	// session.authenticated — the gateway bound a connection to a user
	_, err = nc.QueueSubscribe("session.authenticated", "status-workers", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "session authenticated")
		defer span.End()

		var evt ConnectionAuthenticatedEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.ConnId == "" {
			slog.Warn("Invalid session.authenticated event", "error", err)
			return
		}
		span.SetAttributes(
			attribute.String("session.conn_id", evt.ConnId),
			attribute.String("session.user", evt.UserId),
		)

		// Guard: userId becomes a subject token and a KV key
		if !validUserId(evt.UserId) {
			slog.WarnContext(ctx, "Rejected login: invalid userId", "user", evt.UserId, "connId", evt.ConnId)
			return
		}

		if err := tracker.Authenticate(evt.ConnId, evt.UserId, reportTime(evt.Timestamp)); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.WarnContext(ctx, "Login for unknown session", "error", err, "connId", evt.ConnId)
			return
		}
		watchdog.Watch(evt.ConnId)
		loginCounter.Add(ctx, 1)
		slog.InfoContext(ctx, "User logged in", "user", evt.UserId, "connId", evt.ConnId)
	})
	if err != nil {
		slog.Error("Failed to subscribe to session.authenticated", "error", err)
		os.Exit(1)
	}

	// session.logout — identity unbound, connection stays open
	_, err = nc.QueueSubscribe("session.logout", "status-workers", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "session logout")
		defer span.End()

		var ref ConnectionRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil || ref.ConnId == "" {
			slog.Warn("Invalid session.logout event", "error", err)
			return
		}
		span.SetAttributes(attribute.String("session.conn_id", ref.ConnId))

		if err := tracker.Logout(ref.ConnId); err != nil {
			span.RecordError(err)
			slog.WarnContext(ctx, "Logout for unknown session", "error", err, "connId", ref.ConnId)
			return
		}
		watchdog.Clear(ref.ConnId)
		logoutCounter.Add(ctx, 1)
		slog.InfoContext(ctx, "User logged out", "connId", ref.ConnId)
	})
	if err != nil {
		slog.Error("Failed to subscribe to session.logout", "error", err)
		os.Exit(1)
	}

	// session.closed — idempotent, duplicates are a no-op
	_, err = nc.QueueSubscribe("session.closed", "status-workers", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "session closed")
		defer span.End()

		var ref ConnectionRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil || ref.ConnId == "" {
			slog.Warn("Invalid session.closed event", "error", err)
			return
		}
		span.SetAttributes(attribute.String("session.conn_id", ref.ConnId))

		tracker.Close(ref.ConnId)
		watchdog.Clear(ref.ConnId)
		disconnectCounter.Add(ctx, 1)
		slog.DebugContext(ctx, "Session closed", "connId", ref.ConnId)
	})
	if err != nil {
		slog.Error("Failed to subscribe to session.closed", "error", err)
		os.Exit(1)
	}

	// status.idle — explicit idle report from the application layer
	_, err = nc.QueueSubscribe("status.idle", "status-workers", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "idle report")
		defer span.End()

		var report ActivityReport
		if err := json.Unmarshal(msg.Data, &report); err != nil || report.ConnId == "" {
			slog.Warn("Invalid idle report", "error", err)
			return
		}
		span.SetAttributes(attribute.String("session.conn_id", report.ConnId))

		if err := tracker.ReportIdle(report.ConnId, reportTime(report.Timestamp)); err != nil {
			span.RecordError(err)
			slog.WarnContext(ctx, "Idle report for unknown session", "error", err, "connId", report.ConnId)
			return
		}
		idleCounter.Add(ctx, 1)
	})
	if err != nil {
		slog.Error("Failed to subscribe to status.idle", "error", err)
		os.Exit(1)
	}

	// status.active — explicit active report, re-arms the watchdog
	_, err = nc.QueueSubscribe("status.active", "status-workers", func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "active report")
		defer span.End()

		var report ActivityReport
		if err := json.Unmarshal(msg.Data, &report); err != nil || report.ConnId == "" {
			slog.Warn("Invalid active report", "error", err)
			return
		}
		span.SetAttributes(attribute.String("session.conn_id", report.ConnId))

		if err := tracker.ReportActive(report.ConnId, reportTime(report.Timestamp)); err != nil {
			span.RecordError(err)
			slog.WarnContext(ctx, "Active report for unknown session", "error", err, "connId", report.ConnId)
			return
		}
		watchdog.Reset(report.ConnId)
		activeCounter.Add(ctx, 1)
	})
	if err != nil {
		slog.Error("Failed to subscribe to status.active", "error", err)
		os.Exit(1)
	}

	// status.user.{userId} — request-reply, single aggregate
	_, err = nc.QueueSubscribe("status.user.*", "status-query-workers", func(msg *nats.Msg) {
		start := time.Now()
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "status query")
		defer span.End()

		userId := strings.TrimPrefix(msg.Subject, "status.user.")
		span.SetAttributes(attribute.String("session.user", userId))

		data, err := json.Marshal(encodeStatus(tracker.Status(userId)))
		if err != nil {
			span.RecordError(err)
			msg.Respond([]byte("{}"))
			return
		}
		msg.Respond(data)

		attrs := metric.WithAttributes(attribute.String("kind", "user"))
		queryCounter.Add(ctx, 1, attrs)
		queryDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	})
	if err != nil {
		slog.Error("Failed to subscribe to status.user.*", "error", err)
		os.Exit(1)
	}

	// status.all — request-reply, every tracked user
	_, err = nc.QueueSubscribe("status.all", "status-query-workers", func(msg *nats.Msg) {
		start := time.Now()
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "status list query")
		defer span.End()

		statuses := tracker.Statuses()
		data, err := json.Marshal(encodeStatuses(statuses))
		if err != nil {
			span.RecordError(err)
			msg.Respond([]byte("[]"))
			return
		}
		msg.Respond(data)

		attrs := metric.WithAttributes(attribute.String("kind", "all"))
		queryCounter.Add(ctx, 1, attrs)
		queryDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		span.SetAttributes(attribute.Int("status.user_count", len(statuses)))
	})
	if err != nil {
		slog.Error("Failed to subscribe to status.all", "error", err)
		os.Exit(1)
	}

	// session.list — request-reply snapshot of open connections (debug)
	_, err = nc.QueueSubscribe("session.list", "status-query-workers", func(msg *nats.Msg) {
		start := time.Now()
		ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "session list query")
		defer span.End()

		sessions := tracker.Sessions()
		data, err := json.Marshal(encodeSessions(sessions))
		if err != nil {
			span.RecordError(err)
			msg.Respond([]byte("[]"))
			return
		}
		msg.Respond(data)

		attrs := metric.WithAttributes(attribute.String("kind", "sessions"))
		queryCounter.Add(ctx, 1, attrs)
		queryDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		span.SetAttributes(attribute.Int("status.session_count", len(sessions)))
	})
	if err != nil {
		slog.Error("Failed to subscribe to session.list", "error", err)
		os.Exit(1)
	}

	slog.Info("User status service ready — listening for session.opened/authenticated/logout/closed, status.idle/active, status.user.*, status.all, session.list")

	// Idle watchdog sweep loop
	wdCtx, wdCancel := context.WithCancel(ctx)
	go watchdog.Run(wdCtx)

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down user status service")
	// Stop the watchdog first so no forced idle transitions race the drain
	wdCancel()
	nc.Drain()
	slog.Info("User status service shutdown complete")
}
