// Command generate runs one render against the engine and prints the image
// URL. It needs only the engine and workflow settings.
//
//	generate -prompt "a red fox in snow" -width 768 -height 512
//	generate -prompt "make it blue" -image ./cat.png -denoise 0.6 -workflow i2image_sd15
//	generate -list
//	generate -show t2image_bizyair_flux
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/comfyrun/internal/asset"
	"github.com/kiranshivaraju/comfyrun/internal/comfy"
	"github.com/kiranshivaraju/comfyrun/internal/config"
	"github.com/kiranshivaraju/comfyrun/internal/render"
	"github.com/kiranshivaraju/comfyrun/internal/tool"
	"github.com/kiranshivaraju/comfyrun/internal/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}

type options struct {
	prompt   string
	workflow string
	width    int
	height   int
	seed     string
	image    string
	denoise  float64
	list     bool
	show     string
	suggest  bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	flags := flag.NewFlagSet("generate", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&o.prompt, "prompt", "", "text prompt")
	flags.StringVar(&o.workflow, "workflow", "", "workflow template name (default from COMFYUI_DEFAULT_WORKFLOW)")
	flags.IntVar(&o.width, "width", render.DefaultWidth, "image width")
	flags.IntVar(&o.height, "height", render.DefaultHeight, "image height")
	flags.StringVar(&o.seed, "seed", "", "fixed seed (random when empty)")
	flags.StringVar(&o.image, "image", "", "input image: path, http(s) URL or data:image URI")
	flags.Float64Var(&o.denoise, "denoise", render.DefaultDenoise, "denoise strength for image-to-image, 0.0 to 1.0")
	flags.BoolVar(&o.list, "list", false, "list workflow templates and exit")
	flags.StringVar(&o.show, "show", "", "print the named workflow template and exit")
	flags.BoolVar(&o.suggest, "suggest", false, "print the agent prompt suggestion instead of rendering")

	if err := flags.Parse(args); err != nil {
		return o, err
	}
	if !o.list && o.show == "" && strings.TrimSpace(o.prompt) == "" {
		return o, errors.New("-prompt is required")
	}
	return o, nil
}

// run returns the process exit code.
func run(ctx context.Context, args []string, stdout io.Writer) int {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if opts.suggest {
		fmt.Fprintln(stdout, tool.PromptSuggestion(opts.prompt, opts.width, opts.height, opts.workflow))
		return 0
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("loading .env", "error", err)
		return 1
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		return 1
	}

	tools, err := newTools(cfg)
	if err != nil {
		slog.Error("building tools", "error", err)
		return 1
	}
	return execute(ctx, tools, opts, stdout)
}

func execute(ctx context.Context, tools *tool.Tools, opts options, stdout io.Writer) int {
	switch {
	case opts.list:
		names, err := tools.Workflows()
		if err != nil {
			slog.Error("listing workflows", "error", err)
			return 1
		}
		for _, n := range names {
			fmt.Fprintln(stdout, n)
		}
		return 0
	case opts.show != "":
		out := tools.WorkflowResource(opts.show)
		fmt.Fprintln(stdout, out)
		if strings.HasPrefix(out, `{"error"`) {
			return 1
		}
		return 0
	}

	var seed *uint64
	if opts.seed != "" {
		s, err := strconv.ParseUint(opts.seed, 10, 64)
		if err != nil {
			fmt.Fprintf(stdout, "Error: invalid seed %q\n", opts.seed)
			return 2
		}
		seed = &s
	}

	var out string
	if opts.image != "" {
		out = tools.GenerateFromImage(ctx, opts.prompt, opts.workflow, opts.image, opts.denoise, seed)
	} else {
		out = tools.GenerateFromText(ctx, opts.prompt, opts.workflow, opts.width, opts.height, seed)
	}
	fmt.Fprintln(stdout, out)
	if strings.HasPrefix(out, "Error") {
		return 1
	}
	return 0
}

func newTools(cfg *config.Config) (*tool.Tools, error) {
	roles := workflow.DefaultRoles()
	if cfg.Workflows.RolesFile != "" {
		var err error
		roles, err = workflow.LoadRoles(roles, cfg.Workflows.RolesFile)
		if err != nil {
			return nil, fmt.Errorf("load roles: %w", err)
		}
	}

	listener, err := comfy.NewListener(cfg.Engine.BaseURL, comfy.WSDialer{}, nil)
	if err != nil {
		return nil, fmt.Errorf("create event listener: %w", err)
	}

	catalog := workflow.NewCatalog(cfg.Workflows.Dir, cfg.Workflows.Default)
	svc := render.NewService(
		catalog,
		workflow.NewMutator(roles, cfg.Workflows.OutputPrefix, nil),
		comfy.NewHTTPClient(cfg.Engine.BaseURL, cfg.Engine.HTTPTimeout, nil),
		listener,
		asset.NewResolver(cfg.Engine.HTTPTimeout, nil),
		cfg.Render.Timeout,
	)
	return tool.New(svc, catalog, nil), nil
}
