package commands

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syndicate-project/ug/internal/blockcache"
	"github.com/syndicate-project/ug/internal/clock"
	"github.com/syndicate-project/ug/internal/config"
	"github.com/syndicate-project/ug/internal/driver/zstd"
	"github.com/syndicate-project/ug/internal/gateway"
	"github.com/syndicate-project/ug/internal/inode"
	"github.com/syndicate-project/ug/internal/msclient"
	"github.com/syndicate-project/ug/internal/posix"
	"github.com/syndicate-project/ug/internal/transport"
)

var (
	debug      bool
	allowOther bool
)

var mountCmd = &cobra.Command{
	Use:   "mount [mountpoint]",
	Short: "Mount a volume as a filesystem",
	Long: `Mount the volume this gateway is configured for at the given mountpoint,
starting its background vacuum worker and peer listener for the
lifetime of the mount.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMount,
}

func init() {
	rootCmd.AddCommand(mountCmd)
	mountCmd.Flags().BoolVar(&debug, "debug", false, "enable verbose FUSE operation logging")
	mountCmd.Flags().BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mountpoint := cfg.Mount.DefaultPath
	if len(args) == 1 {
		mountpoint = args[0]
	}
	if mountpoint == "" {
		return fmt.Errorf("mountpoint is required: pass it as an argument or set mount.default_path in the config file")
	}

	if cfg.Gateway.ID == 0 {
		return fmt.Errorf("gateway identity is required: set gateway.id in the config file or UG_GATEWAY_ID")
	}
	if cfg.MS.Addr == "" {
		return fmt.Errorf("metadata service address is required: set ms.addr in the config file or UG_MS_ADDR")
	}
	if cfg.Gateway.PrivateKeyPath == "" {
		return fmt.Errorf("gateway private key is required: set gateway.private_key_path or UG_GATEWAY_PRIVATE_KEY_PATH")
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

	cacheRoot := cfg.Cache.Root
	if cacheRoot == "" {
		cacheRoot = filepath.Join(os.TempDir(), "ug-cache")
	}
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return fmt.Errorf("create cache root %s: %w", cacheRoot, err)
	}
	cache := blockcache.New(blockcache.Config{
		Root:      cacheRoot,
		SoftLimit: cfg.Cache.SoftLimit,
		HardLimit: cfg.Cache.HardLimit,
	})
	defer cache.Close()

	stageDir := filepath.Join(cacheRoot, "stage")
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return fmt.Errorf("create stage dir %s: %w", stageDir, err)
	}

	gw := gateway.New(ms, inode.NewStore(), cache, zstd.New(0), clock.Real{}, gateway.Config{
		SelfID:      cfg.Gateway.ID,
		PrivateKey:  priv,
		BlockSize:   cfg.Gateway.BlockSize,
		StageDir:    stageDir,
		DialTimeout: cfg.Gateway.DialTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.Start(ctx)
	defer gw.Stop()

	if cfg.Gateway.ListenAddr != "" {
		go func() {
			if err := gw.Listen(cfg.Gateway.ListenAddr); err != nil {
				log.Printf("peer listener on %s stopped: %v", cfg.Gateway.ListenAddr, err)
			}
		}()
	}

	fsys := posix.New(gw, debug)
	server, err := fsys.Mount(mountpoint, allowOther || cfg.Mount.AllowOther)
	if err != nil {
		return fmt.Errorf("mount at %s: %w", mountpoint, err)
	}

	statusf("mounted volume at %s (gateway %d, ms %s)", mountpoint, cfg.Gateway.ID, cfg.MS.Addr)
	statusf("press ctrl+c to unmount")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	statusf("unmounting...")
	if err := server.Unmount(); err != nil {
		return fmt.Errorf("unmount %s: %w", mountpoint, err)
	}
	statusf("unmounted %s", mountpoint)
	return nil
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch len(seed) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(seed), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(seed), nil
	default:
		return nil, fmt.Errorf("%s: want a %d-byte ed25519 seed or %d-byte private key, got %d bytes", path, ed25519.SeedSize, ed25519.PrivateKeySize, len(seed))
	}
}
