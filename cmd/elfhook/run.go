package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/elfhook/pkg/hook"
)

type runParams struct {
	path       string
	configFile string
	hook       hook.Config
	symbol     string
	offset     uint64
	args       []string
	writes     []string
	metrics    bool
}

func addRunParams(cmd *kingpin.CmdClause) *runParams {
	params := &runParams{}
	cmd.Arg("file", "ELF shared object to load.").Required().StringVar(&params.path)
	cmd.Flag("config.file", "YAML file with the engine configuration. Values in the file override flags.").StringVar(&params.configFile)
	cmd.Flag("symbol", "Dynamic symbol to call.").StringVar(&params.symbol)
	cmd.Flag("offset", "Offset from the base address to call when --symbol is not set.").Uint64Var(&params.offset)
	cmd.Flag("arg", "Integer argument passed to the call, up to four. May be repeated.").StringsVar(&params.args)
	cmd.Flag("set", "Write hex encoded bytes at an offset from the base before the call, as offset=bytes. May be repeated.").StringsVar(&params.writes)
	cmd.Flag("metrics", "Print the engine metrics after the call.").Default("false").BoolVar(&params.metrics)
	params.hook.RegisterFlags(cmd)
	return params
}

type memoryWrite struct {
	offset uint64
	data   []byte
}

func parseWrites(writes []string) ([]memoryWrite, error) {
	res := make([]memoryWrite, 0, len(writes))
	for _, w := range writes {
		off, data, ok := strings.Cut(w, "=")
		if !ok {
			return nil, errors.Errorf("invalid write %q, expected offset=bytes", w)
		}
		offset, err := strconv.ParseUint(off, 0, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid write offset %q", off)
		}
		b, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid write bytes %q", data)
		}
		res = append(res, memoryWrite{offset: offset, data: b})
	}
	return res, nil
}

func parseArgs(args []string) ([4]uintptr, error) {
	var res [4]uintptr
	if len(args) > len(res) {
		return res, errors.Errorf("at most %d arguments are supported, got %d", len(res), len(args))
	}
	for i, a := range args {
		v, err := strconv.ParseInt(a, 0, 64)
		if err != nil {
			u, uerr := strconv.ParseUint(a, 0, 64)
			if uerr != nil {
				return res, errors.Wrapf(err, "invalid argument %q", a)
			}
			res[i] = uintptr(u)
			continue
		}
		res[i] = uintptr(v)
	}
	return res, nil
}

func run(out io.Writer, params *runParams) (err error) {
	if params.configFile != "" {
		if err := params.hook.LoadFile(params.configFile); err != nil {
			return err
		}
	}
	if err := params.hook.Validate(); err != nil {
		return err
	}
	args, err := parseArgs(params.args)
	if err != nil {
		return err
	}
	writes, err := parseWrites(params.writes)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	e, err := hook.NewFromConfig(params.path, params.hook,
		hook.WithLogger(logger),
		hook.WithMetrics(hook.NewMetrics(reg)),
	)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	if err := e.Load(); err != nil {
		return err
	}
	level.Info(logger).Log("msg", "image loaded", "path", params.path, "base", fmt.Sprintf("0x%x", e.Base()), "size", e.Size())

	if err := e.InstallHooks(params.hook.Hooks); err != nil {
		return err
	}
	for _, h := range e.Hooks() {
		level.Info(logger).Log("msg", "hook installed", "symbol", h.Symbol, "technique", h.Technique, "sites", h.Sites)
	}
	for _, w := range writes {
		if err := e.SetMemory(w.offset, w.data); err != nil {
			return err
		}
	}

	offset := params.offset
	if params.symbol != "" {
		_, sym := e.Image().LookupDynSym(params.symbol)
		if sym == nil {
			return errors.Wrapf(hook.ErrSymbolNotFound, "symbol %s", params.symbol)
		}
		if !sym.Defined() {
			return errors.Wrapf(hook.ErrSymbolNotFound, "symbol %s is not defined by %s", params.symbol, params.path)
		}
		offset = sym.Value
	}
	res, err := e.Run(offset, args[0], args[1], args[2], args[3])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d (0x%x)\n", res, res)

	if params.metrics {
		return writeMetrics(out, reg)
	}
	return nil
}

func writeMetrics(out io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}
