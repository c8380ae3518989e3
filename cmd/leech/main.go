// Command leech downloads a single torrent, given either a .torrent file
// or a magnet URI, and exits once every piece is written and verified.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/leech/bitfield"
	"github.com/cenkalti/leech/magnet"
	"github.com/cenkalti/leech/metadata"
	"github.com/cenkalti/leech/metainfo"
	"github.com/cenkalti/leech/peerqueue"
	"github.com/cenkalti/leech/registry"
	"github.com/cenkalti/leech/session"
	"github.com/cenkalti/leech/storage"
	"github.com/cenkalti/leech/torrent"
	"github.com/cenkalti/leech/tracker"
	"github.com/cenkalti/leech/tracker/httptracker"
	"github.com/cenkalti/leech/tracker/udptracker"
	"github.com/cenkalti/leech/xlog"
	"github.com/gofrs/uuid"
	homedir "github.com/mitchellh/go-homedir"
)

var log = xlog.New("leech")

const (
	listenPort     = 6881
	bootstrapPeers = 20
	metadataDial   = 10 * time.Second
	metadataFetch  = 30 * time.Second
)

func main() {
	var (
		filePath  = flag.String("file", "", "path to a .torrent file")
		magnetURI = flag.String("magnet", "", "magnet URI")
		folder    = flag.String("folder", "", "download destination (default: current directory)")
		resume    = flag.Bool("resume", false, "resume from a sidecar file in the destination folder")
		peers     = flag.Int("peers", 0, "maximum concurrent peer connections")
		requests  = flag.Int("requests", 0, "maximum outstanding block requests per peer")
		logFile   = flag.String("log", "", "write logs to this file instead of stderr")
		config    = flag.String("config", "", "optional YAML config file")
		debug     = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	if err := run(*filePath, *magnetURI, *folder, *resume, *peers, *requests, *logFile, *config, *debug); err != nil {
		fmt.Fprintln(os.Stderr, "leech:", err)
		os.Exit(1)
	}
}

func run(filePath, magnetURI, folder string, resume bool, peers, requests int, logFile, configPath string, debug bool) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if folder != "" {
		cfg.Folder = folder
	}
	if resume {
		cfg.Resume = true
	}
	if peers != 0 {
		cfg.Peers = peers
	}
	if requests != 0 {
		cfg.Requests = requests
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if debug {
		cfg.Debug = true
	}

	if (filePath == "") == (magnetURI == "") {
		return errors.New("exactly one of -file or -magnet is required")
	}

	xlog.SetDebug(cfg.Debug)
	if cfg.LogFile != "" {
		expanded, err := homedir.Expand(cfg.LogFile)
		if err != nil {
			return fmt.Errorf("expanding -log path: %w", err)
		}
		f, err := os.OpenFile(expanded, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening -log file: %w", err)
		}
		defer f.Close()
		xlog.SetOutput(f)
	}

	runID, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("generating session id: %w", err)
	}
	log.Infof("starting leech run %s", runID)

	folderPath, err := homedir.Expand(cfg.Folder)
	if err != nil {
		return fmt.Errorf("expanding -folder path: %w", err)
	}

	ourID, err := torrent.NewPeerID()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigC
		log.Notice("received shutdown signal")
		cancel()
	}()

	info, err := loadMetainfo(ctx, filePath, magnetURI, ourID)
	if err != nil {
		return err
	}
	log.Infof("%s: %d pieces, %d bytes", info.Name, info.NumPieces(), info.TotalLength)

	writer, err := storage.Open(info, folderPath)
	if err != nil {
		return fmt.Errorf("opening download folder: %w", err)
	}
	defer writer.Close()

	var res *storage.Resume
	resumePath := resumeSidecarPath(folderPath, info.Name)
	if cfg.Resume {
		res, err = storage.OpenResume(resumePath)
		if err != nil {
			return fmt.Errorf("opening resume sidecar: %w", err)
		}
		defer res.Close()
	}

	completed := bitfield.New(uint32(info.NumPieces()))
	reg := registry.New(info, func(index int, data []byte) {
		if err := writer.WritePiece(index, data); err != nil {
			log.Errorln("writing piece", index, ":", err)
			return
		}
		completed.Set(uint32(index))
		if res != nil {
			if err := res.Save(info.InfoHash, completed); err != nil {
				log.Errorln("saving resume state:", err)
			}
		}
		log.Debugf("piece %d complete (%d/%d)", index, completed.Count(), info.NumPieces())
	})

	if cfg.Resume {
		if bits, found, err := res.Load(info.InfoHash, uint32(info.NumPieces())); err != nil {
			return fmt.Errorf("loading resume state: %w", err)
		} else if found {
			preexisting := writer.PreexistingFiles()
			for i, ok := bits.FirstSet(0); ok; i, ok = bits.FirstSet(i + 1) {
				index := int(i)
				if !piecePreexists(info, preexisting, index) {
					// One of the piece's target files was missing or had the
					// wrong size when storage.Open ran, so there is nothing
					// on disk worth re-hashing.
					continue
				}
				verified, err := writer.VerifyPiece(index)
				if err != nil {
					return fmt.Errorf("verifying resumed piece %d: %w", index, err)
				}
				if !verified {
					log.Warningf("resumed piece %d failed verification, will re-download", index)
					continue
				}
				reg.SeedComplete(index)
				completed.Set(i)
			}
			log.Infof("resumed %d/%d pieces from sidecar after verification", completed.Count(), info.NumPieces())
		}
	}

	if reg.Complete() {
		log.Notice("already complete")
		return nil
	}

	tiers, err := buildTierList(info.AnnounceList)
	if err != nil {
		return fmt.Errorf("building tracker tier list: %w", err)
	}
	defer tiers.Close()

	queue := peerqueue.New(cfg.Peers * 4)
	producer := &peerqueue.Producer{
		Tiers: tiers,
		Queue: queue,
		Request: tracker.AnnounceRequest{
			InfoHash: info.InfoHash,
			PeerID:   ourID,
			Port:     listenPort,
			NumWant:  cfg.Peers,
		},
		Left: func() int64 { return bytesLeft(info, reg) },
	}
	go producer.Run(ctx)
	defer producer.AnnounceStopped(context.Background())

	sup := session.NewSupervisor(session.Config{Peers: cfg.Peers, Requests: cfg.Requests}, info.InfoHash, ourID, uint32(info.NumPieces()), reg, queue, func() *bitfield.Bitfield { return completed })

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			if reg.Complete() {
				log.Notice("download complete")
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("peer supervisor exited before completion")
		case <-ctx.Done():
			<-done
			return ctx.Err()
		case <-ticker.C:
			if reg.Complete() {
				cancel()
				<-done
				log.Notice("download complete")
				return nil
			}
		}
	}
}

func resumeSidecarPath(folder, name string) string {
	return filepath.Join(folder, name+".resume")
}

// piecePreexists reports whether every target file a piece spans already
// existed at its expected size when storage.Open ran. A piece that touches
// a file that was missing or had the wrong size is not treated as
// complete, so it isn't re-hashed.
func piecePreexists(info *metainfo.Info, preexisting []bool, index int) bool {
	for _, sec := range info.FlattenedPiece(index) {
		if !preexisting[sec.FileIndex] {
			return false
		}
	}
	return true
}

func bytesLeft(info *metainfo.Info, reg *registry.Registry) int64 {
	var left int64
	for i := 0; i < info.NumPieces(); i++ {
		if reg.State(i) != registry.Complete {
			left += info.PieceLen(i)
		}
	}
	return left
}

// loadMetainfo returns a fully populated metainfo.Info either by parsing a
// .torrent file directly or by bootstrapping over BEP 9/10 from a magnet
// URI's swarm.
func loadMetainfo(ctx context.Context, filePath, magnetURI string, ourID torrent.PeerID) (*metainfo.Info, error) {
	if filePath != "" {
		expanded, err := homedir.Expand(filePath)
		if err != nil {
			return nil, fmt.Errorf("expanding -file path: %w", err)
		}
		raw, err := ioutil.ReadFile(expanded)
		if err != nil {
			return nil, fmt.Errorf("reading torrent file: %w", err)
		}
		return metainfo.Parse(raw)
	}

	m, err := magnet.Parse(magnetURI)
	if err != nil {
		return nil, fmt.Errorf("parsing magnet URI: %w", err)
	}

	rawInfo, err := bootstrapMetadata(ctx, m, ourID)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping metadata from magnet: %w", err)
	}

	top := make([]byte, 0, len(rawInfo)+9)
	top = append(top, "d4:info"...)
	top = append(top, rawInfo...)
	top = append(top, 'e')

	info, err := metainfo.Parse(top)
	if err != nil {
		return nil, fmt.Errorf("parsing metadata fetched from magnet: %w", err)
	}
	info.AnnounceList = m.Tiers()
	if info.Name == "" {
		info.Name = m.Name
	}
	return info, nil
}

// bootstrapMetadata announces to the magnet's trackers and races BEP 9
// metadata fetches against the peers it discovers, returning the first
// successfully verified info dictionary.
func bootstrapMetadata(parent context.Context, m *magnet.Magnet, ourID torrent.PeerID) ([]byte, error) {
	tiers, err := buildTierList(m.Tiers())
	if err != nil {
		return nil, err
	}
	defer tiers.Close()

	ctx, cancel := context.WithTimeout(parent, 2*time.Minute)
	defer cancel()

	queue := peerqueue.New(bootstrapPeers)
	producer := &peerqueue.Producer{
		Tiers: tiers,
		Queue: queue,
		Request: tracker.AnnounceRequest{
			InfoHash: m.InfoHash,
			PeerID:   ourID,
			Port:     listenPort,
			NumWant:  bootstrapPeers,
		},
		Left: func() int64 { return 1 }, // metadata size is unknown until fetched
	}
	go producer.Run(ctx)

	type result struct {
		data []byte
		err  error
	}
	resultC := make(chan result, bootstrapPeers)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	for i := 0; i < bootstrapPeers; i++ {
		go func() {
			for {
				peer, err := queue.Next(workerCtx)
				if err != nil {
					return
				}
				data, err := fetchMetadataFrom(workerCtx, peer.String(), m.InfoHash, ourID)
				select {
				case resultC <- result{data, err}:
				case <-workerCtx.Done():
					return
				}
			}
		}()
	}

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last peer error: %v)", ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case r := <-resultC:
			if r.err == nil {
				return r.data, nil
			}
			lastErr = r.err
			log.Debugln("metadata bootstrap peer failed:", r.err)
		}
	}
}

func fetchMetadataFrom(ctx context.Context, addr string, infoHash torrent.InfoHash, ourID torrent.PeerID) ([]byte, error) {
	dialCtx, cancel := context.WithTimeout(ctx, metadataDial)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(metadataFetch)); err != nil {
		return nil, err
	}
	return metadata.Fetch(ctx, conn, infoHash, ourID)
}

// buildTierList constructs a tracker.TierList from a torrent's announce
// tiers, dispatching each URL to the HTTP or UDP client by scheme.
func buildTierList(tiersURLs [][]string) (*tracker.TierList, error) {
	var tiers []*tracker.Tier
	for _, tierURLs := range tiersURLs {
		var clients []tracker.Client
		for _, raw := range tierURLs {
			c, err := buildClient(raw)
			if err != nil {
				log.Debugln("skipping tracker", raw, ":", err)
				continue
			}
			clients = append(clients, c)
		}
		if len(clients) > 0 {
			tiers = append(tiers, tracker.NewTier(clients))
		}
	}
	if len(tiers) == 0 {
		return nil, errors.New("no usable trackers in announce list")
	}
	return tracker.NewTierList(tiers), nil
}

func buildClient(raw string) (tracker.Client, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasPrefix(u.Scheme, "http"):
		return httptracker.New(raw), nil
	case u.Scheme == "udp":
		return udptracker.New(raw)
	default:
		return nil, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
	}
}
