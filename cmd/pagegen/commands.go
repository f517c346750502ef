package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mhpenta/pagegen"
	"github.com/mhpenta/pagegen/internal/app"
	"github.com/mhpenta/pagegen/service"
	"github.com/mhpenta/pagegen/storage"
)

var errUsage = errors.New(usage)

func knownTypes() string {
	names := make([]string, 0, len(pagegen.ProviderTypes()))
	for _, t := range pagegen.ProviderTypes() {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func capabilityArg(s string) (pagegen.Capability, error) {
	c := pagegen.Capability(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown capability %q (want text or image)", s)
	}
	return c, nil
}

func providersCmd(ctx context.Context, a *app.App, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	sub := args[0]
	c, err := capabilityArg(args[1])
	if err != nil {
		return err
	}
	configs := a.Service.Configs()

	switch sub {
	case "list":
		cfg, err := configs.Get(ctx, c)
		if err != nil {
			return err
		}
		list, err := configs.Providers(ctx, c)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"active": cfg.ActiveProvider, "providers": list, "backend": configs.Backend()})

	case "add":
		if len(args) < 3 {
			return errUsage
		}
		fs := flag.NewFlagSet("providers add", flag.ContinueOnError)
		typ := fs.String("type", string(pagegen.ProviderOpenAICompatible), "provider type: "+knownTypes())
		key := fs.String("key", "", "API key")
		baseURL := fs.String("base-url", "", "base URL")
		model := fs.String("model", "", "model name")
		endpoint := fs.String("endpoint", "", "endpoint type: images or chat")
		size := fs.String("size", "", "default image size, e.g. 1024x1024")
		high := fs.Bool("high-concurrency", false, "allow concurrent batch calls")
		if err := fs.Parse(args[3:]); err != nil {
			return err
		}
		p := pagegen.ProviderConfig{
			Type:            pagegen.ProviderType(*typ),
			APIKey:          *key,
			BaseURL:         *baseURL,
			Model:           *model,
			HighConcurrency: *high,
			EndpointType:    pagegen.EndpointType(*endpoint),
			DefaultSize:     *size,
		}
		if p.Model == "" {
			if info, ok := pagegen.LookupProvider(p.Type); ok {
				p.Model = info.DefaultModels[c]
			}
		}
		return configs.Upsert(ctx, c, args[2], p)

	case "activate":
		if len(args) < 3 {
			return errUsage
		}
		return configs.SetActive(ctx, c, args[2])

	case "delete":
		if len(args) < 3 {
			return errUsage
		}
		return configs.Delete(ctx, c, args[2])

	case "test":
		if len(args) < 3 {
			return errUsage
		}
		cfg, err := configs.Get(ctx, c)
		if err != nil {
			return err
		}
		p, ok := cfg.Providers[args[2]]
		if !ok {
			return &pagegen.NotFoundError{Kind: "provider", ID: string(c) + "/" + args[2]}
		}
		if err := a.Service.TestProvider(ctx, c, p); err != nil {
			return err
		}
		fmt.Printf("%s provider %s: ok\n", c, args[2])
		return nil
	}
	return errUsage
}

func backendCmd(ctx context.Context, a *app.App, args []string) error {
	if len(args) < 2 || args[0] != "switch" {
		return errUsage
	}
	fs := flag.NewFlagSet("backend switch", flag.ContinueOnError)
	dsn := fs.String("dsn", a.Config.Storage.Hosted.DSN, "hosted backend DSN")
	dataDir := fs.String("data-dir", "", "local backend data directory")
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}

	target := pagegen.BackendKind(args[1])
	if err := a.Service.Configs().SwitchBackend(ctx, target, &storage.Credentials{DSN: *dsn, DataDir: *dataDir}); err != nil {
		return err
	}

	summary := map[string]any{"backend": a.Service.Configs().Backend()}
	for _, c := range pagegen.Capabilities {
		cfg, err := a.Service.Configs().Get(ctx, c)
		if err != nil {
			return err
		}
		summary[string(c)] = map[string]any{"active": cfg.ActiveProvider, "providers": len(cfg.Providers)}
	}
	return printJSON(summary)
}

func textCmd(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("text", flag.ContinueOnError)
	system := fs.String("system", "", "system prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errUsage
	}
	content, err := a.Service.GenerateText(ctx, pagegen.NewTextRequest(*system, fs.Arg(0)))
	if err != nil {
		return err
	}
	fmt.Println(content.Text)
	return nil
}

func recordsCmd(ctx context.Context, a *app.App, args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	hist := a.Service.History()
	sub, rest := args[0], args[1:]

	switch sub {
	case "create":
		fs := flag.NewFlagSet("records create", flag.ContinueOnError)
		title := fs.String("title", "", "record title")
		outlinePath := fs.String("outline", "", "JSON file with the page list")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		outline, err := readOutline(*outlinePath)
		if err != nil {
			return err
		}
		id, err := a.Service.CreateRecord(ctx, *title, outline)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil

	case "list":
		fs := flag.NewFlagSet("records list", flag.ContinueOnError)
		status := fs.String("status", "", "filter by status")
		query := fs.String("q", "", "filter by title substring")
		page := fs.Int("page", 1, "page number")
		size := fs.Int("size", pagegen.DefaultPageSize, "page size")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		result, err := hist.List(ctx, pagegen.ListFilter{Status: pagegen.Status(*status), TitleContains: *query}, *page, *size)
		if err != nil {
			return err
		}
		return printJSON(result)

	case "stats":
		stats, err := hist.Statistics(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)

	case "sync-all":
		added, err := hist.SyncAll(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"added": added})
	}

	if len(rest) < 1 {
		return errUsage
	}
	id := rest[0]

	switch sub {
	case "show":
		rec, err := hist.Get(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(rec)

	case "generate", "retry":
		var report *service.BatchReport
		var err error
		if sub == "generate" {
			report, err = a.Service.GenerateImages(ctx, id)
		} else {
			report, err = a.Service.RetryFailedPages(ctx, id)
		}
		if err != nil {
			return err
		}
		return printJSON(report.Summary())

	case "regenerate":
		if len(rest) < 2 {
			return errUsage
		}
		page, err := strconv.Atoi(rest[1])
		if err != nil {
			return fmt.Errorf("page index: %w", err)
		}
		report, err := a.Service.RegeneratePage(ctx, id, page)
		if err != nil {
			return err
		}
		return printJSON(report.Summary())

	case "update":
		fs := flag.NewFlagSet("records update", flag.ContinueOnError)
		title := fs.String("title", "", "new title")
		outlinePath := fs.String("outline", "", "JSON file with the new page list")
		if err := fs.Parse(rest[1:]); err != nil {
			return err
		}
		var outline pagegen.Outline
		if *outlinePath != "" {
			var err error
			if outline, err = readOutline(*outlinePath); err != nil {
				return err
			}
		}
		return hist.Update(ctx, id, *title, outline)

	case "sync":
		added, err := hist.Sync(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(map[string]int{"added": added})

	case "delete":
		return a.Service.DeleteRecord(ctx, id)

	case "export":
		if len(rest) < 2 {
			return errUsage
		}
		return exportRecord(ctx, a, id, rest[1])
	}
	return errUsage
}

func readOutline(path string) (pagegen.Outline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var outline pagegen.Outline
	if err := json.Unmarshal(data, &outline); err != nil {
		return nil, fmt.Errorf("parse outline: %w", err)
	}
	return outline, nil
}

func exportRecord(ctx context.Context, a *app.App, id, dir string) error {
	hist := a.Service.History()
	rec, err := hist.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, img := range rec.Images {
		data, mime, err := hist.Image(ctx, img.Ref)
		if err != nil {
			return fmt.Errorf("page %d: %w", img.PageIndex, err)
		}
		path := filepath.Join(dir, pagegen.PageFileName(img.PageIndex, mime))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Println(path)
	}
	return nil
}
