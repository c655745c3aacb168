package commands

import (
	"context"
	"fmt"
	"log"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/syndicate-project/ug/internal/blockcache"
	"github.com/syndicate-project/ug/internal/clock"
	"github.com/syndicate-project/ug/internal/driver/zstd"
	"github.com/syndicate-project/ug/internal/gateway"
	"github.com/syndicate-project/ug/internal/inode"
	"github.com/syndicate-project/ug/internal/msclient"
	"github.com/syndicate-project/ug/internal/transport"
	"github.com/syndicate-project/ug/internal/vacuum"
)

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Walk the namespace and reclaim garbage blocks",
	Long: `Walk every file reachable from the volume root, replay any pending
vacuum log entry found against it, and wait for the background worker
to finish reclaiming the garbage blocks those replays surface.`,
	RunE: runVacuum,
}

func init() {
	rootCmd.AddCommand(vacuumCmd)
}

func runVacuum(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Gateway.ID == 0 || cfg.MS.Addr == "" || cfg.Gateway.PrivateKeyPath == "" {
		return fmt.Errorf("gateway.id, ms.addr and gateway.private_key_path must all be set")
	}

	priv, err := loadPrivateKey(cfg.Gateway.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("load gateway private key: %w", err)
	}

	ms := msclient.NewHTTPClient(transport.New(transport.Config{
		BaseURL:           cfg.MS.Addr,
		Timeout:           cfg.Gateway.DialTimeout,
		RequestsPerSecond: 200,
		Burst:             50,
	}))

	cache := blockcache.New(blockcache.Config{Root: cfg.Cache.Root, SoftLimit: cfg.Cache.SoftLimit, HardLimit: cfg.Cache.HardLimit})
	defer cache.Close()

	gw := gateway.New(ms, inode.NewStore(), cache, zstd.New(0), clock.Real{}, gateway.Config{
		SelfID:      cfg.Gateway.ID,
		PrivateKey:  priv,
		BlockSize:   cfg.Gateway.BlockSize,
		StageDir:    cfg.Cache.Root,
		DialTimeout: cfg.Gateway.DialTimeout,
	})

	ctx := context.Background()
	volumeID, err := ms.GetVolumeID(ctx)
	if err != nil {
		return fmt.Errorf("get volume id: %w", err)
	}

	entries, err := collectEntries(ctx, ms)
	if err != nil {
		return fmt.Errorf("walk namespace: %w", err)
	}
	statusf("walked %d entries (%s)", len(entries), humanize.Bytes(uint64(totalSize(entries))))

	var pending []msclient.Entry
	var logs []msclient.VacuumLogEntry
	for _, e := range entries {
		if e.Type != msclient.EntryFile {
			continue
		}
		logEntry, ok, err := ms.PeekVacuumLog(ctx, volumeID, e.FileID)
		if err != nil {
			warnf("peek vacuum log for file %d: %v", e.FileID, err)
			continue
		}
		if ok {
			pending = append(pending, e)
			logs = append(logs, logEntry)
		}
	}
	if len(pending) == 0 {
		statusf("nothing to vacuum")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	gw.Start(runCtx)
	defer gw.Stop()

	bar := progressbar.Default(int64(len(pending)), "vacuuming")
	done := make(chan struct{}, len(pending))
	gw.Vacuum.OnComplete = func(req vacuum.Request, err error) {
		if err != nil {
			log.Printf("vacuum %s (file %d): %v", req.Path, req.FileID, err)
		}
		done <- struct{}{}
	}

	for i, e := range pending {
		gw.Vacuum.Enqueue(vacuum.Request{
			Path:          e.Name,
			VolumeID:      logs[i].VolumeID,
			FileID:        logs[i].FileID,
			FileVersion:   logs[i].FileVersion,
			ManifestMTime: logs[i].ManifestMTime,
			Type:          vacuum.TypeLog,
		})
	}
	for range pending {
		<-done
		bar.Add(1)
	}

	statusf("vacuumed %d file(s)", len(pending))
	return nil
}

// collectEntries walks the namespace breadth-first from the root,
// the same traversal internal/posix's Readdir uses one level at a
// time, flattened here across the whole tree.
func collectEntries(ctx context.Context, ms msclient.Client) ([]msclient.Entry, error) {
	root, _, err := ms.GetAttr(ctx, "/")
	if err != nil {
		return nil, err
	}
	var all []msclient.Entry
	queue := []msclient.Entry{root}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		all = append(all, dir)
		if dir.Type != msclient.EntryDir {
			continue
		}
		children, err := ms.ListDir(ctx, dir.FileID, dir.NumChildren, dir.Capacity)
		if err != nil {
			return nil, err
		}
		queue = append(queue, children...)
	}
	return all, nil
}

func totalSize(entries []msclient.Entry) int64 {
	var n int64
	for _, e := range entries {
		n += e.Size
	}
	return n
}
