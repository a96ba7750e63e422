// Command replicantd runs one replica of a replicant cluster: it hosts
// a set of object children, dedups and applies client calls against
// them, and tracks client liveness and peer ownership for its chain
// position (spec §2). The external collaborators named in spec §1 —
// consensus ordering, the on-disk cluster configuration store, the
// CLI proper — are out of scope; this binary's --servers/--chain-*
// flags are a local stand-in for the configuration store, and
// internal/consensus.Local is a stand-in for the ordering layer so the
// daemon is runnable without a real cluster behind it.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/net/netutil"

	"github.com/rescrv/replicant/internal/clientmanager"
	"github.com/rescrv/replicant/internal/config"
	"github.com/rescrv/replicant/internal/consensus"
	"github.com/rescrv/replicant/internal/daemonproto"
	"github.com/rescrv/replicant/internal/failuretracker"
	"github.com/rescrv/replicant/internal/metrics"
	"github.com/rescrv/replicant/internal/objectmanager"
	log "github.com/rescrv/replicant/pkg/minilog"
	"github.com/rescrv/replicant/pkg/replicant"
)

const maxConns = 256

// ringLogSize bounds the in-memory log ring the admin "logs" command
// dumps: recent diagnostic lines without tailing a file.
const ringLogSize = 512

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "replicantd",
		Short: "run one replica of a replicant cluster",
		RunE:  run,
	}
	root.Flags().StringVar(&configFile, "config", "", "path to a replicantd config file")
	root.Flags().String("listen", "", "override listen_address")
	root.Flags().String("data-dir", "", "override data_dir")
	root.Flags().String("object-host", "", "path to the replicant-object-host binary")
	root.Flags().String("log-level", "info", "debug|info|warn|error|fatal")
	viper.BindPFlag("listen_address", root.Flags().Lookup("listen"))
	viper.BindPFlag("data_dir", root.Flags().Lookup("data-dir"))
	viper.BindPFlag("object_host_path", root.Flags().Lookup("object-host"))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	levelFlag, _ := cmd.Flags().GetString("log-level")
	level, err := log.ParseLevel(levelFlag)
	if err != nil {
		return err
	}
	log.AddLogger("stderr", os.Stderr, level, true)
	logRing := log.AddRingLogger("ring", ringLogSize, level)

	cfg, err := config.Load(configFile, viper.GetViper())
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	log.Info("starting replicantd: %s", cfg)

	objectHostPath, err := resolveObjectHost()
	if err != nil {
		return err
	}

	om := objectmanager.New(objectHostPath, func(object, text string) {
		log.Info("object %s: %s", object, text)
	})

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	serverIDs := make([]replicant.ServerID, len(cfg.Servers))
	for i, s := range cfg.Servers {
		serverIDs[i] = replicant.ServerID(s)
	}
	us := replicant.ServerID(cfg.ServerID)
	ft := failuretracker.New(us, serverIDs, time.Now())

	var cm clientmanager.Manager
	seq := consensus.NewLocal()
	validate := validator.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := recoverObjects(om, cfg); err != nil {
		return errors.Wrap(err, "recover objects")
	}

	d := &daemon{
		cfg:            cfg,
		om:             om,
		cm:             &cm,
		ft:             ft,
		seq:            seq,
		metrics:        met,
		validate:       validate,
		us:             us,
		servers:        serverIDs,
		logs:           logRing,
		historyEvicted: make(map[string]uint64),
	}

	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "listen %s", cfg.ListenAddress)
	}
	ln = netutil.LimitListener(ln, maxConns)
	log.Info("client listener on %s", cfg.ListenAddress)

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server: %v", err)
			}
		}()
		log.Info("metrics listener on %s", cfg.MetricsAddress)
	}

	go d.snapshotLoop(ctx)
	go d.reaperLoop(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("shutting down")
		cancel()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				d.shutdownAll()
				return nil
			default:
				log.Error("accept: %v", err)
				continue
			}
		}
		go d.handleConn(conn)
	}
}

// resolveObjectHost finds the replicant-object-host binary children
// are spawned from: an explicit flag/config value, PATH, or a sibling
// of this binary (the layout `go install` leaves behind).
func resolveObjectHost() (string, error) {
	if p := viper.GetString("object_host_path"); p != "" {
		return p, nil
	}
	if p, err := exec.LookPath("replicant-object-host"); err == nil {
		return p, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", errors.Wrap(err, "resolve replicant-object-host")
	}
	candidate := filepath.Join(filepath.Dir(exe), "replicant-object-host")
	if _, err := os.Stat(candidate); err != nil {
		return "", errors.Wrapf(err, "replicant-object-host not found next to %s", exe)
	}
	return candidate, nil
}

// recoverObjects rebuilds every object named in the daemon's manifest
// from its last snapshot, so a restart picks up where it left off
// instead of starting with no live objects (spec §4.4 "re-creation
// uses restore from the most recent snapshot").
func recoverObjects(om *objectmanager.Manager, cfg config.Config) error {
	entries, err := loadManifest(cfg)
	if err != nil {
		return err
	}
	for _, e := range entries {
		snapshot := loadSnapshot(cfg, e.Name)
		var historyData []byte
		if data, err := os.ReadFile(historyPath(cfg, e.Name)); err == nil {
			historyData = data
		}
		if err := om.Restore(e.Name, e.LibraryPath, cfg.ObjectPath(e.Name), snapshot, historyData); err != nil {
			log.Error("restore %s: %v", e.Name, err)
			continue
		}
		log.Info("restored object %s from manifest", e.Name)
	}
	return nil
}

type daemon struct {
	cfg      config.Config
	om       *objectmanager.Manager
	cm       *clientmanager.Manager
	ft       *failuretracker.Tracker
	seq      *consensus.Local
	metrics  *metrics.Metrics
	validate *validator.Validate
	us       replicant.ServerID
	servers  []replicant.ServerID
	logs     *log.Ring

	// historyEvicted tracks the last observed cumulative eviction count
	// per object, so snapshotLoop can feed metrics.HistoryEvictions
	// (a Counter, which only ever increases) the delta since the
	// previous snapshot rather than the raw running total. Touched only
	// from snapshotLoop's own goroutine.
	historyEvicted map[string]uint64
}

func (d *daemon) handleConn(conn net.Conn) {
	defer conn.Close()

	req, err := daemonproto.ReadRequest(conn)
	if err != nil {
		log.Debug("read request: %v", err)
		return
	}

	switch req.Kind {
	case daemonproto.KindCall:
		resp := d.handleCall(req.Call)
		if err := daemonproto.WriteResponse(conn, daemonproto.Response{Kind: daemonproto.KindCall, Call: resp}); err != nil {
			log.Debug("write response: %v", err)
		}
	case daemonproto.KindAdmin:
		resp := d.handleAdmin(req.Admin)
		if err := daemonproto.WriteResponse(conn, daemonproto.Response{Kind: daemonproto.KindAdmin, Admin: resp}); err != nil {
			log.Debug("write response: %v", err)
		}
	}
}

func (d *daemon) handleCall(req daemonproto.CallRequest) daemonproto.CallResponse {
	if err := d.validate.Struct(req); err != nil {
		return daemonproto.CallResponse{Status: replicant.Internal}
	}
	if req.Flags.Has(replicant.Robust) && !replicant.ValidNonce(req.Nonce) {
		return daemonproto.CallResponse{Status: replicant.Internal}
	}

	now := time.Now()
	if req.ClientID != 0 {
		d.cm.Register(clientmanager.ClientID(req.ClientID), now)
		d.metrics.ClientsConnected.Set(float64(len(d.cm.List())))
	}

	slot := d.seq.NextSlot(req.Object)
	start := time.Now()
	result, err := d.om.Apply(req.Object, slot, req.Flags, req.Nonce, req.MinSlot, req.Func, req.Input)
	d.metrics.CommandLatency.WithLabelValues(req.Object).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error("apply %s.%s: %v", req.Object, req.Func, err)
		d.metrics.CommandsTotal.WithLabelValues(req.Object, replicant.ServerError.String()).Inc()
		return daemonproto.CallResponse{Status: replicant.ServerError}
	}

	d.metrics.CommandsTotal.WithLabelValues(req.Object, result.Status.String()).Inc()
	return daemonproto.CallResponse{Status: result.Status, Output: result.Output}
}

func (d *daemon) handleAdmin(req daemonproto.AdminRequest) daemonproto.AdminResponse {
	switch req.Op {
	case daemonproto.AdminCreate:
		if err := d.om.Create(req.Object, req.LibraryPath, d.cfg.ObjectPath(req.Object)); err != nil {
			return daemonproto.AdminResponse{Status: replicant.ObjExist, Message: err.Error()}
		}
		if err := addManifestEntry(d.cfg, req.Object, req.LibraryPath); err != nil {
			log.Error("manifest: %v", err)
		}
		return daemonproto.AdminResponse{Status: replicant.SUCCESS}

	case daemonproto.AdminRestore:
		if err := d.om.Restore(req.Object, req.LibraryPath, d.cfg.ObjectPath(req.Object), req.Snapshot, nil); err != nil {
			return daemonproto.AdminResponse{Status: replicant.ObjExist, Message: err.Error()}
		}
		if err := addManifestEntry(d.cfg, req.Object, req.LibraryPath); err != nil {
			log.Error("manifest: %v", err)
		}
		return daemonproto.AdminResponse{Status: replicant.SUCCESS}

	case daemonproto.AdminList:
		return daemonproto.AdminResponse{Status: replicant.SUCCESS, Objects: d.om.Names()}

	case daemonproto.AdminSnapshot:
		results, err := d.om.TakeSnapshot(context.Background(), []string{req.Object})
		if err != nil || len(results) != 1 {
			return daemonproto.AdminResponse{Status: replicant.ObjNotFound}
		}
		return daemonproto.AdminResponse{Status: replicant.SUCCESS, Snapshot: results[0].Snapshot}

	case daemonproto.AdminShutdown:
		if err := d.om.Shutdown(req.Object); err != nil {
			return daemonproto.AdminResponse{Status: replicant.ServerError, Message: err.Error()}
		}
		if err := removeManifestEntry(d.cfg, req.Object); err != nil {
			log.Error("manifest: %v", err)
		}
		return daemonproto.AdminResponse{Status: replicant.SUCCESS}

	case daemonproto.AdminStatus:
		now := time.Now()
		var suspects []uint64
		for _, s := range d.servers {
			if d.ft.SuspectFailed(s, d.cfg.FailureTimeout, now) {
				suspects = append(suspects, uint64(s))
			}
		}
		clients := make([]uint64, 0)
		for _, id := range d.cm.List() {
			clients = append(clients, uint64(id))
		}
		names := d.om.Names()
		health := make([]daemonproto.ObjectHealth, 0, len(names))
		for _, name := range names {
			st, err := d.om.Health(name)
			if err != nil {
				continue
			}
			health = append(health, daemonproto.ObjectHealth{
				Object: name,
				PID:    st.PID,
				Comm:   st.Comm,
				State:  st.State,
			})
		}
		return daemonproto.AdminResponse{
			Status:   replicant.SUCCESS,
			Objects:  names,
			Clients:  clients,
			Suspects: suspects,
			Health:   health,
		}

	case daemonproto.AdminLogs:
		return daemonproto.AdminResponse{Status: replicant.SUCCESS, Logs: d.logs.Dump()}

	default:
		return daemonproto.AdminResponse{Status: replicant.Internal}
	}
}

// snapshotLoop periodically snapshots every live object and persists
// the result so a restart can recover without replaying the full
// command history (spec §4.4, §6 "durable (nonce -> result) evidence
// when asked").
func (d *daemon) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			names := d.om.Names()
			if len(names) == 0 {
				continue
			}
			results, err := d.om.TakeSnapshot(ctx, names)
			if err != nil {
				log.Error("snapshot: %v", err)
				continue
			}
			for _, r := range results {
				if err := config.Save(snapshotPath(d.cfg, r.Name), r.Snapshot); err != nil {
					log.Error("persist snapshot %s: %v", r.Name, err)
				}
				if err := config.Save(historyPath(d.cfg, r.Name), r.History); err != nil {
					log.Error("persist history %s: %v", r.Name, err)
				}
				d.metrics.HistorySize.WithLabelValues(r.Name).Set(float64(r.HistoryEntries))
				if delta := r.HistoryEvicted - d.historyEvicted[r.Name]; delta > 0 {
					d.metrics.HistoryEvictions.WithLabelValues(r.Name).Add(float64(delta))
				}
				d.historyEvicted[r.Name] = r.HistoryEvicted
			}
		}
	}
}

// reaperLoop expires clients that have gone quiet past the
// configured failure timeout and refreshes peer liveness gauges.
func (d *daemon) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			cutoff := now.Add(-d.cfg.FailureTimeout)
			for _, id := range d.cm.LastSeenBefore(cutoff) {
				d.cm.Deregister(id)
			}
			d.metrics.ClientsConnected.Set(float64(len(d.cm.List())))

			for _, s := range d.servers {
				alive := 1.0
				if d.ft.SuspectFailed(s, d.cfg.FailureTimeout, now) {
					alive = 0
					log.Warn("server %d suspected failed", s)
				}
				d.metrics.PeerAlive.WithLabelValues(fmt.Sprintf("%d", s)).Set(alive)
			}

			for _, name := range d.om.Names() {
				alive := 1.0
				if st, err := d.om.Health(name); err != nil || st.State == "Z" {
					alive = 0
				}
				d.metrics.ObjectAlive.WithLabelValues(name).Set(alive)
			}
		}
	}
}

func (d *daemon) shutdownAll() {
	for _, name := range d.om.Names() {
		if err := d.om.Shutdown(name); err != nil {
			log.Error("shutdown %s: %v", name, err)
		}
	}
}
