package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/zhukovaskychina/xsqlite-recover/conf"
	"github.com/zhukovaskychina/xsqlite-recover/logger"
	"github.com/zhukovaskychina/xsqlite-recover/repair"
)

const help = `xsqlite-recover inspects a possibly corrupted SQLite database
file and its write-ahead log without aborting on damage.

Usage:
  xsqlite-recover [-configPath my.ini] [-walImportance=false] <database file>
`

func main() {
	var configPath string
	var walImportance bool
	var maxWalFrame int
	flag.StringVar(&configPath, "configPath", "", "path of the ini configuration file")
	flag.BoolVar(&walImportance, "walImportance", true, "whether a failing wal aborts recovery")
	flag.IntVar(&maxWalFrame, "maxWalFrame", 0, "cap on trusted wal frames, 0 for no cap")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := &conf.CommandLineArgs{
		ConfigPath:   configPath,
		DatabasePath: flag.Arg(0),
	}
	cfg, err := conf.NewCfg().Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xsqlite-recover: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}
	if !flagPassed("walImportance") {
		walImportance = cfg.WalImportance
	}
	if !flagPassed("maxWalFrame") {
		maxWalFrame = cfg.MaxWalFrame
	}

	if err = logger.InitLogger(logger.LogConfig{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "xsqlite-recover: init logger: %v\n", err)
		os.Exit(2)
	}

	// Every event the page layer reports goes through the log.
	repair.RegisterNotification("logger", func(event *repair.Error) {
		if event.Level == repair.LevelNotice {
			logger.Infof("%s %v", event.Error(), event.Infos)
			return
		}
		logger.Errorf("%s", event.Error())
	})
	defer repair.UnregisterNotification("logger")

	pager := repair.NewPager(cfg.DatabasePath)
	defer pager.Close()
	if cfg.PageSize > 0 {
		pager.SetPageSize(cfg.PageSize)
	}
	if cfg.ReservedBytes >= 0 {
		pager.SetReservedBytes(cfg.ReservedBytes)
	}
	pager.SetWalImportance(walImportance)
	if maxWalFrame > 0 {
		pager.SetMaxWalFrame(maxWalFrame)
	}

	if err = pager.Initialize(); err != nil {
		// Damage is reported, never fatal; the process still exits cleanly
		// so pipelines can collect the diagnostics.
		logger.Errorf("initialization failed: %v", err)
		return
	}

	salt1, salt2 := pager.GetWalSalt()
	logger.Infof("database: %s", pager.Path())
	logger.Infof("page size: %d, reserved bytes: %d, usable size: %d",
		pager.GetPageSize(), pager.GetReservedBytes(), pager.GetUsableSize())
	logger.Infof("pages: %d, file size: %d", pager.GetNumberOfPages(), pager.GetFileSize())
	logger.Infof("wal frames: %d, salt: %08x %08x", pager.GetNumberOfWalFrames(), salt1, salt2)
	pager.Hint()
}

func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}
