package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zboralski/vspace/internal/apk"
	"github.com/zboralski/vspace/internal/config"
	"github.com/zboralski/vspace/internal/engine"
	glog "github.com/zboralski/vspace/internal/log"
	"github.com/zboralski/vspace/internal/nativehook"
	"github.com/zboralski/vspace/internal/ui/colorize"
)

var (
	verbose    bool
	configPath string
	userID     int
	probes     []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vspace",
		Short: "Host Android apps inside an in-process virtual engine",
		Long: `vspace is a development host for the virtual engine.

It brings the engine up over an emulated ARM64 guest address space, installs
and launches guest archives, shows the inline hooks the engine placed on the
guest's binder entry points, and probes the binder filter with service
manager lookups issued from inside the guest.

Examples:
  vspace info app.apk                  # Show the parsed manifest
  vspace run app.apk                   # Install, launch, report, shut down
  vspace run -c host.yaml a.apk b.apk  # Use a host configuration
  vspace run --probe location app.apk  # Also probe the "location" service`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")

	infoCmd := &cobra.Command{
		Use:   "info <app.apk>",
		Short: "Show archive manifest information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}

	runCmd := &cobra.Command{
		Use:   "run [app.apk...]",
		Short: "Install and launch archives, then report engine state",
		RunE:  runEngine,
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "host configuration (YAML)")
	runCmd.Flags().IntVarP(&userID, "user", "u", 0, "user id to install and launch for")
	runCmd.Flags().StringSliceVar(&probes, "probe", []string{"unknown.svc"}, "extra services to probe")

	rootCmd.AddCommand(infoCmd, runCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func showInfo(cmd *cobra.Command, args []string) error {
	glog.Init(verbose)

	m, err := apk.NewParser().Parse(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", colorize.Header("▶"), colorize.FuncName(m.Package))
	field := func(name, value string) {
		if value != "" {
			fmt.Printf("  %-12s %s\n", colorize.Detail(name+":"), value)
		}
	}
	field("Label", m.Label)
	field("Version", fmt.Sprintf("%s (%d)", m.VersionName, m.VersionCode))
	if m.MinSDK != 0 || m.TargetSDK != 0 {
		field("SDK", fmt.Sprintf("min %d, target %d", m.MinSDK, m.TargetSDK))
	}
	field("Activities", strings.Join(m.Activities, ", "))
	field("Services", strings.Join(m.Services, ", "))
	field("Permissions", strings.Join(m.Permissions, ", "))

	diag, err := apk.DiagnoseInfo(m.ApplicationInfo)
	if err != nil {
		return err
	}
	fmt.Printf("  %s %s\n", colorize.Detail("Info:"), colorize.String(diag))
	return nil
}

func runEngine(cmd *cobra.Command, args []string) error {
	host := config.Default()
	if configPath != "" {
		var err error
		if host, err = config.Load(configPath); err != nil {
			return err
		}
	}
	glog.Init(verbose || host.Debug)

	eng := engine.Instance()
	bridge := nativehook.Default()
	if !eng.Initialize(host) {
		return errors.New("engine failed to initialize")
	}
	defer eng.Shutdown()

	for _, path := range args {
		if !eng.InstallVirtualApp(path, userID) {
			fmt.Println(colorize.Error("install failed: " + path))
		}
	}
	for _, app := range eng.GetInstalledApps() {
		if !eng.LaunchVirtualApp(app.Package, userID) {
			fmt.Println(colorize.Error("launch failed: " + app.Package))
			continue
		}
		if m, ok := eng.Packages().Get(app.Package); ok {
			for _, svc := range m.Services {
				eng.StartService(app.Package, svc)
			}
		}
	}

	printApps(eng)
	if err := printHooks(bridge); err != nil {
		return err
	}
	if err := printProbes(bridge, probes); err != nil {
		return err
	}
	printStats(eng, bridge)
	return nil
}
