package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/ckpt/pkg/checkpoint"
	"github.com/wilhg/ckpt/pkg/errmodel"
	"github.com/wilhg/ckpt/pkg/ledger"
	"github.com/wilhg/ckpt/pkg/otel"
	"github.com/wilhg/ckpt/pkg/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health, metrics and checkpoint inspection over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Addr = serveAddr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := otel.Init(ctx, cfg.Otel(version))
		if err != nil {
			return err
		}
		defer func() { _ = shutdownTracing(context.WithoutCancel(ctx)) }()

		d, err := openDeps(ctx, cfg, cmd.ErrOrStderr(), true)
		if err != nil {
			return err
		}
		defer d.Close()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		ckpts := checkpoint.Traced(checkpoint.Instrumented(d.svc, checkpoint.NewMetrics(reg)))

		server := &http.Server{
			Addr:              cfg.Addr,
			Handler:           buildMux(&api{ckpts: ckpts, svc: d.svc, ledger: d.ledger, log: d.log}, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errc := make(chan error, 1)
		go func() {
			d.log.Info().Str("addr", cfg.Addr).Str("artifacts_dir", cfg.ArtifactsDir).Str("dialect", d.store.Dialect()).Msg("serving")
			errc <- server.ListenAndServe()
		}()

		select {
		case err := <-errc:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}
		d.log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "http listen address (overrides config and CKPT_ADDR)")
}

// api serves read-mostly views of checkpoints and operations.
type api struct {
	ckpts  checkpoint.Store
	svc    *checkpoint.Service
	ledger *ledger.Ledger
	log    zerolog.Logger
}

func buildMux(a *api, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/checkpoints", a.listCheckpoints)
	mux.HandleFunc("GET /api/checkpoints/{operation_id}", a.getCheckpoint)
	mux.HandleFunc("DELETE /api/checkpoints/{operation_id}", a.deleteCheckpoint)
	mux.HandleFunc("GET /api/operations/{operation_id}", a.getOperation)
	return otelhttp.NewHandler(mux, "checkpointd")
}

type checkpointView struct {
	OperationID        string            `json:"operation_id"`
	CheckpointID       string            `json:"checkpoint_id"`
	Type               checkpoint.Type   `json:"checkpoint_type"`
	CreatedAt          time.Time         `json:"created_at"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	ArtifactsPath      string            `json:"artifacts_path,omitempty"`
	StateSizeBytes     int64             `json:"state_size_bytes"`
	ArtifactsSizeBytes int64             `json:"artifacts_size_bytes"`
	StateFields        []string          `json:"state_fields,omitempty"`
	Artifacts          []string          `json:"artifacts,omitempty"`
	Boundary           *int64            `json:"boundary,omitempty"`
}

func viewOf(cp *checkpoint.Checkpoint) checkpointView {
	v := checkpointView{
		OperationID:        cp.OperationID,
		CheckpointID:       cp.CheckpointID,
		Type:               cp.Type,
		CreatedAt:          cp.CreatedAt,
		Metadata:           cp.Metadata,
		ArtifactsPath:      cp.ArtifactsPath,
		StateSizeBytes:     cp.StateSizeBytes,
		ArtifactsSizeBytes: cp.ArtifactsSizeBytes,
	}
	for k := range cp.State {
		v.StateFields = append(v.StateFields, k)
	}
	sort.Strings(v.StateFields)
	for name := range cp.Artifacts {
		v.Artifacts = append(v.Artifacts, name)
	}
	sort.Strings(v.Artifacts)
	if b, ok := checkpoint.Boundary(cp.State); ok {
		v.Boundary = &b
	}
	return v
}

type operationView struct {
	OperationID string               `json:"operation_id"`
	Kind        string               `json:"kind"`
	Status      string               `json:"status"`
	ResumedFrom string               `json:"resumed_from,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	Lineage     []string             `json:"lineage"`
	Events      []operationEventView `json:"events"`
}

type operationEventView struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (a *api) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := a.svc.List(r.Context())
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	out := make([]checkpointView, 0, len(cps))
	for i := range cps {
		out = append(out, viewOf(&cps[i]))
	}
	writeJSON(w, map[string]any{"checkpoints": out})
}

func (a *api) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("operation_id")
	cp, ok, err := a.ckpts.Load(r.Context(), id)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	if !ok {
		errmodel.WriteHTTP(w, r, errmodel.NotFound("not_found", "no checkpoint for operation", map[string]any{"operation_id": id}))
		return
	}
	writeJSON(w, viewOf(cp))
}

func (a *api) deleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("operation_id")
	if err := a.ckpts.Delete(r.Context(), id); err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	a.log.Info().Str("operation_id", id).Msg("checkpoint deleted by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) getOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("operation_id")
	op, err := a.ledger.Get(r.Context(), id)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	lineage, err := a.ledger.Lineage(r.Context(), id)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	events, err := a.ledger.History(r.Context(), id)
	if err != nil {
		errmodel.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, buildOperationView(op, lineage, events))
}

func buildOperationView(op store.OperationRecord, lineage []store.OperationRecord, events []store.EventRecord) operationView {
	v := operationView{
		OperationID: op.OperationID,
		Kind:        op.Kind,
		Status:      op.Status,
		ResumedFrom: op.ResumedFrom,
		Reason:      op.Reason,
		CreatedAt:   op.CreatedAt,
		UpdatedAt:   op.UpdatedAt,
		Lineage:     make([]string, 0, len(lineage)),
		Events:      make([]operationEventView, 0, len(events)),
	}
	for _, l := range lineage {
		v.Lineage = append(v.Lineage, l.OperationID)
	}
	for _, e := range events {
		v.Events = append(v.Events, operationEventView{Seq: e.Seq, Type: e.Type, Payload: e.Payload, CreatedAt: e.CreatedAt})
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
