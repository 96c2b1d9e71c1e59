// Command kupferbuild-levels walks a recipe tree, resolves the queried
// packages against it, and prints the dependency-ordered build levels the
// Build Orchestrator would schedule (spec §4.9) — one line per level, the
// level index followed by its recipe bases in brackets ("0: [a b]"), in
// solve order. It exists to exercise Discoverer,
// Index.FilterPkgbuilds, and Index.Solve end to end from outside their own
// test suite, the way cmd/tsort exercises dalec.TopSort in the teacher repo.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	kupferbuild "github.com/kupferbootstrap/kupferbuild"
	"github.com/kupferbootstrap/kupferbuild/internal/executil"
)

var cli struct {
	Debug    bool     `short:"d" help:"Enable debug logging."`
	Arch     string   `short:"a" default:"x86_64" help:"Target architecture to filter recipes for."`
	Channels []string `short:"c" help:"Recipe channels to discover, e.g. main,device. Defaults to every known channel."`
	Root     string   `arg:"" help:"Path to the pkgbuilds tree root."`
	Packages []string `arg:"" optional:"" help:"Recipe names, provides/replaces aliases, or recipe paths to resolve. Defaults to every discovered recipe."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("kupferbuild-levels"),
		kong.Description("Print the dependency-ordered build levels for a recipe tree."),
		kong.UsageOnError(),
	)

	log := logger()

	if err := run(context.Background(), log); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func logger() *logrus.Logger {
	log := logrus.New()
	if cli.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func run(ctx context.Context, log logrus.FieldLogger) error {
	channels := kupferbuild.Channels
	if len(cli.Channels) > 0 {
		channels = make([]kupferbuild.Channel, len(cli.Channels))
		for i, c := range cli.Channels {
			channels[i] = kupferbuild.Channel(c)
		}
	}

	runner := executil.NewRunner(log)
	cache := kupferbuild.NewSrcinfoCache(&makepkgSrcinfoPrinter{runner: runner}, log)
	discoverer := kupferbuild.NewDiscoverer(cache, log)

	idx, err := discoverer.DiscoverPkgbuilds(ctx, cli.Root, channels)
	if err != nil {
		return err
	}

	arch := kupferbuild.Arch(cli.Arch)
	queries := cli.Packages
	if len(queries) == 0 {
		for _, r := range idx.Recipes {
			queries = append(queries, r.Path)
		}
	}
	seeds, err := idx.FilterPkgbuilds(queries, arch, len(cli.Packages) == 0)
	if err != nil {
		return err
	}

	levels, err := idx.Solve(seeds)
	if err != nil {
		return err
	}

	for i, level := range levels {
		names := make([]string, len(level))
		for j, recipe := range level {
			names[j] = recipe.Base
		}
		fmt.Printf("%d: %v\n", i, names)
	}
	return nil
}

// makepkgSrcinfoPrinter is the real SrcinfoCache.Printer: it shells out to
// `makepkg --printsrcinfo` via executil.Runner instead of the fakes the
// package's own tests use.
type makepkgSrcinfoPrinter struct {
	runner executil.Runner
}

func (p *makepkgSrcinfoPrinter) PrintSrcinfo(dir string) (string, error) {
	result, err := p.runner.Run(context.Background(), "makepkg --printsrcinfo", executil.Options{
		Cwd:        dir,
		CaptureOut: true,
	})
	if err != nil {
		return "", err
	}
	if !result.Success() {
		return "", fmt.Errorf("makepkg --printsrcinfo exited %d: %s", result.ExitCode, result.Stderr)
	}
	return string(result.Stdout), nil
}
