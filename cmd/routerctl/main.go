// Routerctl is a command-line companion to presenced for one-off
// router operations: inspecting connected hosts, managing the site and
// device block lists, toggling the Wi-Fi kill switch, and engaging
// lockdown. It shares presenced's configuration file, so the same
// router credentials and protected-MAC list apply.
//
// Usage:
//
//	routerctl hosts                  List connected hosts
//	routerctl block <site>           Block a website
//	routerctl unblock <site>         Unblock a website
//	routerctl blocklist              List blocked websites
//	routerctl kick <device>          Block a device (MAC or name)
//	routerctl allow <device>         Unblock a device (MAC or name)
//	routerctl banned                 List blocked devices
//	routerctl wifi on|off            Enable or disable the access points
//	routerctl lockdown on|off        Block all unprotected devices
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaollapark/homelab/internal/config"
	"github.com/chaollapark/homelab/internal/router"
)

const commandTimeout = 60 * time.Second

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-config", "--config":
			if i+1 >= len(args) {
				return fmt.Errorf("-config requires a path argument")
			}
			i++
			configPath = args[i]
		case "-h", "--help", "help":
			printUsage(stdout)
			return nil
		default:
			if command == "" {
				command = args[i]
				continue
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if command == "" {
		printUsage(stderr)
		return fmt.Errorf("a command is required")
	}

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if cfg.Router.URL == "" {
		return fmt.Errorf("router.url is not set in %s", cfgPath)
	}

	level := slog.LevelWarn
	if os.Getenv("ROUTERCTL_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	client := router.NewClient(cfg.Router, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, commandTimeout)
	defer timeoutCancel()
	defer client.Logout(context.Background())

	switch command {
	case "hosts":
		return cmdHosts(ctx, stdout, client)
	case "block":
		return cmdBlockSite(ctx, stdout, client, cmdArgs)
	case "unblock":
		return cmdUnblockSite(ctx, stdout, client, cmdArgs)
	case "blocklist":
		return cmdBlocklist(ctx, stdout, client)
	case "kick":
		return cmdKick(ctx, stdout, client, cmdArgs)
	case "allow":
		return cmdAllow(ctx, stdout, client, cmdArgs)
	case "banned":
		return cmdBanned(ctx, stdout, client)
	case "wifi":
		return cmdWiFi(ctx, stdout, client, cfg.Router.AccessPoints, cmdArgs)
	case "lockdown":
		return cmdLockdown(ctx, stdout, client, cfg.Router.ProtectedMACs, cmdArgs)
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `routerctl - router control for the homelab

Usage:
  routerctl [flags] <command> [args]

Commands:
  hosts                List connected hosts
  block <site>         Block a website
  unblock <site>       Unblock a website
  blocklist            List blocked websites
  kick <device>        Block a device by MAC or name
  allow <device>       Unblock a device by MAC or name
  banned               List blocked devices
  wifi on|off          Enable or disable internet via the access points
  lockdown on|off      Block every device except the protected MACs

Flags:
  -config <path>   Config file (default: search %v)
  -h               Show this help
`, config.DefaultSearchPaths())
}

func cmdHosts(ctx context.Context, stdout io.Writer, client *router.Client) error {
	hosts, err := client.Hosts(ctx)
	if err != nil {
		return fmt.Errorf("fetch host table: %w", err)
	}

	active := 0
	for _, h := range hosts {
		if h.Active {
			active++
		}
	}
	fmt.Fprintf(stdout, "%d hosts (%d active)\n\n", len(hosts), active)
	for _, h := range hosts {
		mark := " "
		if h.Active {
			mark = "*"
		}
		fmt.Fprintf(stdout, "%s %-17s %-15s %-10s %s\n", mark, h.MAC, h.IP, h.Connection, h.Name)
	}
	return nil
}

func cmdBlockSite(ctx context.Context, stdout io.Writer, client *router.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: routerctl block <site>")
	}
	changed, err := client.BlockSite(ctx, args[0])
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintf(stdout, "%s is already blocked\n", args[0])
		return nil
	}
	fmt.Fprintf(stdout, "blocked %s\n", args[0])
	return nil
}

func cmdUnblockSite(ctx context.Context, stdout io.Writer, client *router.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: routerctl unblock <site>")
	}
	changed, err := client.UnblockSite(ctx, args[0])
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintf(stdout, "%s is not blocked\n", args[0])
		return nil
	}
	fmt.Fprintf(stdout, "unblocked %s\n", args[0])
	return nil
}

func cmdBlocklist(ctx context.Context, stdout io.Writer, client *router.Client) error {
	sites, err := client.BlockedSites(ctx)
	if err != nil {
		return err
	}
	if len(sites) == 0 {
		fmt.Fprintln(stdout, "no blocked sites")
		return nil
	}
	for _, site := range sites {
		fmt.Fprintln(stdout, site)
	}
	return nil
}

func cmdKick(ctx context.Context, stdout io.Writer, client *router.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: routerctl kick <mac-or-name>")
	}
	mac, changed, err := client.KickDevice(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintf(stdout, "%s is already blocked\n", mac)
		return nil
	}
	fmt.Fprintf(stdout, "kicked %s\n", mac)
	return nil
}

func cmdAllow(ctx context.Context, stdout io.Writer, client *router.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: routerctl allow <mac-or-name>")
	}
	mac, changed, err := client.AllowDevice(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintf(stdout, "%s is not blocked\n", mac)
		return nil
	}
	fmt.Fprintf(stdout, "allowed %s\n", mac)
	return nil
}

func cmdBanned(ctx context.Context, stdout io.Writer, client *router.Client) error {
	devices, err := client.BlockedDevices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(stdout, "no blocked devices")
		return nil
	}
	for _, d := range devices {
		if d.Description != "" {
			fmt.Fprintf(stdout, "%-17s %s\n", d.MAC, d.Description)
			continue
		}
		fmt.Fprintln(stdout, d.MAC)
	}
	return nil
}

func cmdWiFi(ctx context.Context, stdout io.Writer, client *router.Client, accessPoints map[string]string, args []string) error {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return fmt.Errorf("usage: routerctl wifi on|off")
	}
	if len(accessPoints) == 0 {
		return fmt.Errorf("no access points configured (router.access_points)")
	}

	enable := args[0] == "on"
	failed := 0
	for _, res := range client.SetWiFi(ctx, enable, accessPoints) {
		switch {
		case res.Err != nil:
			failed++
			fmt.Fprintf(stdout, "%-12s error: %v\n", res.Name, res.Err)
		case !res.Changed:
			fmt.Fprintf(stdout, "%-12s already %s\n", res.Name, args[0])
		default:
			fmt.Fprintf(stdout, "%-12s %s\n", res.Name, args[0])
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d access point(s) failed", failed)
	}
	return nil
}

func cmdLockdown(ctx context.Context, stdout io.Writer, client *router.Client, protected []string, args []string) error {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return fmt.Errorf("usage: routerctl lockdown on|off")
	}

	if args[0] == "off" {
		if err := client.LiftLockdown(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "lockdown lifted")
		return nil
	}

	blocked, err := client.Lockdown(ctx, protected)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "lockdown active, %d device(s) blocked\n", len(blocked))
	for _, name := range blocked {
		fmt.Fprintf(stdout, "  %s\n", name)
	}
	return nil
}
