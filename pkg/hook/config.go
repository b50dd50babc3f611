package hook

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Base        uint64       `yaml:"base"`
	Libc        string       `yaml:"libc"`
	StrictWX    bool         `yaml:"strict_wx"`
	RequireBase bool         `yaml:"require_base"`
	BindImports bool         `yaml:"bind_imports"`
	Hooks       []HookConfig `yaml:"hooks"`

	hookFlags []string
}

// HookConfig redirects Symbol of the image to Target, a symbol resolved with
// Engine.Resolve.
type HookConfig struct {
	Symbol string `yaml:"symbol"`
	Target string `yaml:"target"`
}

func (cfg *Config) RegisterFlags(cmd *kingpin.CmdClause) {
	cmd.Flag("base", "Base address the image is mapped at.").Default("0").Uint64Var(&cfg.Base)
	cmd.Flag("libc", "C library used to resolve symbols the image does not define.").Default("libc.so.6").StringVar(&cfg.Libc)
	cmd.Flag("strict-wx", "Never make a page writable and executable at the same time.").Default("false").BoolVar(&cfg.StrictWX)
	cmd.Flag("require-base", "Fail instead of relocating the image when the base address is taken.").Default("false").BoolVar(&cfg.RequireBase)
	cmd.Flag("bind-imports", "Apply RELATIVE, GLOB_DAT, JUMP_SLOT and absolute relocations after loading.").Default("false").BoolVar(&cfg.BindImports)
	cmd.Flag("hook", "Redirect a symbol of the image to another symbol, as symbol=target. May be repeated.").StringsVar(&cfg.hookFlags)
}

// LoadFile merges the YAML configuration at path into cfg. Unknown fields
// are rejected.
func (cfg *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func (cfg *Config) Validate() error {
	for _, f := range cfg.hookFlags {
		symbol, target, ok := strings.Cut(f, "=")
		if !ok {
			return fmt.Errorf("invalid hook %q, expected symbol=target", f)
		}
		cfg.Hooks = append(cfg.Hooks, HookConfig{Symbol: symbol, Target: target})
	}
	cfg.hookFlags = nil
	for _, h := range cfg.Hooks {
		if h.Symbol == "" || h.Target == "" {
			return fmt.Errorf("invalid hook %q=%q, symbol and target are required", h.Symbol, h.Target)
		}
	}
	return nil
}

func (cfg *Config) Options() []Option {
	return []Option{
		WithStrictWX(cfg.StrictWX),
		WithRequireBase(cfg.RequireBase),
		WithBindImports(cfg.BindImports),
	}
}

// NewFromConfig creates an engine for the image at path with the base and C
// library taken from cfg. opts are applied after the configured options.
func NewFromConfig(path string, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e, err := New(path, append(cfg.Options(), opts...)...)
	if err != nil {
		return nil, err
	}
	if err := e.SetBase(cfg.Base); err != nil {
		return nil, err
	}
	e.SetLibc(cfg.Libc)
	return e, nil
}

// InstallHooks resolves the target of every hook and installs it.
func (e *Engine) InstallHooks(hooks []HookConfig) error {
	for _, h := range hooks {
		addr, err := e.Resolve(h.Target)
		if err != nil {
			return errors.Wrapf(err, "hook %s", h.Symbol)
		}
		if err := e.SetHook(h.Symbol, addr); err != nil {
			return err
		}
	}
	return nil
}
