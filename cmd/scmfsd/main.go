package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scmfs/scmfs/pkg/config"
	"github.com/scmfs/scmfs/pkg/fschannel"
	"github.com/scmfs/scmfs/pkg/inode"
	"github.com/scmfs/scmfs/pkg/journal"
	"github.com/scmfs/scmfs/pkg/mount"
	"github.com/scmfs/scmfs/pkg/overlay"
	"github.com/scmfs/scmfs/pkg/store"
	"github.com/scmfs/scmfs/pkg/takeover"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	maximumJournalDeltas = 4096
	shutdownTimeout      = 30 * time.Second
)

type managedMount struct {
	mount    *mount.Mount
	channel  *fschannel.FuseChannel
	deviceFD int
}

type daemon struct {
	reloadable *config.Reloadable

	lock   sync.Mutex
	mounts map[string]*managedMount
	names  []string
}

func main() {
	var (
		configPath   = pflag.String("config", "", "Path to the scmfsd.yaml configuration file")
		takeoverFlag = pflag.Bool("takeover", false, "Take over the mounts of a running daemon instead of mounting anew")
	)
	pflag.Parse()
	if *configPath == "" {
		log.Fatal("Usage: scmfsd --config scmfsd.yaml [--takeover]")
	}

	reloadable, err := config.NewReloadable(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %s", err)
	}
	cfg := reloadable.Get()

	var objectStore store.Store
	if cfg.ObjectStorePath != "" {
		boltStore, err := store.OpenBoltStore(cfg.ObjectStorePath, nil)
		if err != nil {
			log.Fatalf("Failed to open object store: %s", err)
		}
		defer boltStore.Close()
		objectStore = boltStore
	} else {
		log.Print("No object store configured; serving from an empty in-memory store")
		objectStore = store.NewMemoryStore()
	}

	var inherited map[string]takeover.MountSnapshot
	var inheritedFDs []int
	if *takeoverFlag {
		inherited, inheritedFDs, err = receiveTakeover(cfg.TakeoverSocketPath)
		if err != nil {
			log.Fatalf("Failed to take over from predecessor: %s", err)
		}
		log.Printf("Took over %d mount(s) from predecessor", len(inherited))
	}

	d := &daemon{
		reloadable: reloadable,
		mounts:     map[string]*managedMount{},
	}
	ctx := context.Background()
	for _, mc := range cfg.Mounts {
		mm, err := d.bringUpMount(ctx, cfg, objectStore, mc, inherited, inheritedFDs)
		if err != nil {
			log.Fatalf("Failed to bring up mount %#v: %s", mc.Name, err)
		}
		d.lock.Lock()
		d.mounts[mc.Name] = mm
		d.names = append(d.names, mc.Name)
		d.lock.Unlock()
		log.Printf("Serving %#v at %#v", mc.Name, mc.MountPath)
	}

	server := &http.Server{
		Addr:    cfg.DiagnosticsAddress,
		Handler: d.newRouter(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
		return d.handleSignals(groupCtx, cfg.TakeoverSocketPath)
	})
	if err := group.Wait(); err != nil {
		log.Fatalf("Daemon failed: %s", err)
	}
}

func (d *daemon) bringUpMount(ctx context.Context, cfg *config.Configuration, objectStore store.Store, mc config.MountConfiguration, inherited map[string]takeover.MountSnapshot, inheritedFDs []int) (*managedMount, error) {
	if err := os.MkdirAll(mc.ClientPath, 0o755); err != nil {
		return nil, err
	}
	ov, err := overlay.Open(filepath.Join(mc.ClientPath, "overlay.db"), nil)
	if err != nil {
		return nil, err
	}

	var takeoverSnapshot *inode.MapSnapshot
	deviceFD := 0
	if snapshot, ok := inherited[mc.Name]; ok {
		takeoverSnapshot = snapshot.InodeMap
		deviceFD = inheritedFDs[snapshot.DeviceFDIndex]
	} else if fd, err := fschannel.OpenDeviceAndMount(mc.MountPath, mc.Name); err != nil {
		// Without CAP_SYS_ADMIN the mount goes through fusermount,
		// which leaves us without a transferable descriptor.
		log.Printf("Mount %#v cannot be taken over by a successor daemon: %s", mc.Name, err)
	} else {
		deviceFD = fd
	}

	policy, err := cfg.GetCheckoutFailurePolicy()
	if err != nil {
		return nil, err
	}
	m := mount.NewMount(objectStore, ov, clock.SystemClock, otel.GetTracerProvider(),
		journal.NewJournal(clock.SystemClock, maximumJournalDeltas), mount.Options{
			Name:                  mc.Name,
			MountPath:             mc.MountPath,
			SocketPath:            cfg.SocketPath,
			ClientPath:            mc.ClientPath,
			Parent:                store.RootID(mc.Parent),
			CheckoutFailurePolicy: policy,
			WriteThrough:          !cfg.WriteBackCacheEnabled,
			OnChannelStop: func(sd fschannel.StopData) {
				log.Printf("Channel of mount %#v stopped: %s", mc.Name, sd.Reason)
			},
		})
	if err := m.Initialize(ctx, takeoverSnapshot); err != nil {
		ov.Close()
		return nil, err
	}

	channel := fschannel.NewFuseChannel(m.Dispatcher(), clock.SystemClock, otel.GetTracerProvider(),
		fschannel.NewProcessAccessLog(), fschannel.FuseChannelOptions{
			MountPath:                mc.MountPath,
			FSName:                   mc.Name,
			RequestTimeout:           cfg.GetFuseRequestTimeout(),
			MaximumInFlightRequests:  cfg.MaximumInFlightRequests,
			HighWatermarkLogInterval: cfg.GetHighRequestLogInterval(),
			NumThreads:               cfg.NumFuseThreads,
			TraceBusCapacity:         cfg.TraceBusCapacity,
			DeviceFD:                 deviceFD,
		})
	if err := m.StartFsChannel(ctx, channel); err != nil {
		m.Shutdown(ctx)
		return nil, err
	}
	return &managedMount{mount: m, channel: channel, deviceFD: deviceFD}, nil
}

// receiveTakeover dials the predecessor's takeover socket and receives
// its snapshot. The predecessor initiates the handoff upon SIGUSR1.
func receiveTakeover(socketPath string) (map[string]takeover.MountSnapshot, []int, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()
	snapshot, fds, err := takeover.Receive(conn)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("Received takeover session %s", snapshot.SessionID)
	mounts := make(map[string]takeover.MountSnapshot, len(snapshot.Mounts))
	for _, m := range snapshot.Mounts {
		mounts[m.Name] = m
	}
	return mounts, fds, nil
}

// handleSignals runs the daemon's signal loop: SIGHUP reloads the
// configuration, SIGUSR1 hands the mounts to a successor, SIGINT and
// SIGTERM shut down.
func (d *daemon) handleSignals(ctx context.Context, takeoverSocketPath string) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGUSR1)
	defer signal.Stop(signals)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-signals:
			switch sig {
			case unix.SIGHUP:
				if err := d.reloadable.Reload(); err != nil {
					log.Printf("Failed to reload configuration: %s", err)
				} else {
					log.Print("Configuration reloaded; new values apply to future mounts")
				}
			case unix.SIGUSR1:
				if err := d.handOff(takeoverSocketPath); err != nil {
					log.Printf("Takeover handoff failed: %s", err)
					continue
				}
				return nil
			default:
				d.shutdownAll()
				return nil
			}
		}
	}
}

func (d *daemon) shutdownAll() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, name := range d.names {
		if err := d.mounts[name].mount.Shutdown(ctx); err != nil {
			log.Printf("Failed to shut down mount %#v: %s", name, err)
		}
	}
}

// handOff stops all mounts for takeover and sends the snapshot to the
// successor that connects to the takeover socket. The kernel
// connections stay open; only this process stops serving them.
func (d *daemon) handOff(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return err
	}
	defer listener.Close()
	log.Printf("Waiting for successor on %#v", socketPath)
	conn, err := listener.AcceptUnix()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	snapshot := takeover.NewSnapshot()
	var fds []int
	d.lock.Lock()
	defer d.lock.Unlock()
	// Refuse before stopping anything: a partially stopped daemon
	// would leave some mounts dead and others running.
	for _, name := range d.names {
		if d.mounts[name].deviceFD <= 0 {
			return status.Errorf(codes.FailedPrecondition, "Mount %#v has no transferable device descriptor", name)
		}
	}
	for _, name := range d.names {
		mm := d.mounts[name]
		data, err := mm.mount.TakeoverStop(ctx)
		if err != nil {
			// The remaining mounts keep running; a partial snapshot
			// would leave the successor and predecessor fighting
			// over them.
			return err
		}
		index := snapshot.AddMount(name, data)
		if index != len(fds) {
			panic("device descriptor order diverged from snapshot order")
		}
		fds = append(fds, data.Channel.DeviceFD)
	}
	if err := takeover.Send(conn, snapshot, fds); err != nil {
		return err
	}
	// Wait for the successor to close the socket, signaling that it
	// owns the descriptors now.
	buf := make([]byte, 1)
	conn.Read(buf)
	log.Printf("Handed %d mount(s) to successor session %s", len(snapshot.Mounts), snapshot.SessionID)
	return nil
}

func (d *daemon) newRouter() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/mounts", d.handleMounts)
	router.HandleFunc("/requests", d.handleRequests)
	router.HandleFunc("/trace", d.handleTrace)
	return router
}

type mountStatus struct {
	Name              string
	MountPath         string
	State             string
	ID                uint64
	WorkingCopyParent string
	TakeoverCapable   bool
}

func (d *daemon) handleMounts(w http.ResponseWriter, req *http.Request) {
	d.lock.Lock()
	statuses := make([]mountStatus, 0, len(d.names))
	for _, name := range d.names {
		mm := d.mounts[name]
		statuses = append(statuses, mountStatus{
			Name:              mm.mount.Name(),
			MountPath:         mm.mount.MountPath(),
			State:             mm.mount.State().String(),
			ID:                mm.mount.ID(),
			WorkingCopyParent: string(mm.mount.ParentState().WorkingCopyParent()),
			TakeoverCapable:   mm.deviceFD > 0,
		})
	}
	d.lock.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statuses)
}

func (d *daemon) handleRequests(w http.ResponseWriter, req *http.Request) {
	d.lock.Lock()
	requests := make(map[string][]fschannel.OutstandingRequest, len(d.names))
	for _, name := range d.names {
		requests[name] = d.mounts[name].channel.ListOutstandingRequests()
	}
	d.lock.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(requests)
}

// handleTrace streams completed-request events of one mount as JSON
// lines until the client disconnects.
func (d *daemon) handleTrace(w http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("mount")
	d.lock.Lock()
	mm := d.mounts[name]
	d.lock.Unlock()
	if mm == nil {
		http.Error(w, "unknown mount", http.StatusNotFound)
		return
	}
	events, cancel := mm.channel.SubscribeTraceEvents()
	defer cancel()
	w.Header().Set("Content-Type", "application/x-ndjson")
	encoder := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	for {
		select {
		case <-req.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := encoder.Encode(event); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
