/*ncmhost binds a single CDC-NCM USB device and exposes its link state
over HTTP.

Usage:
	ncmhost <command>

Commands:
	run
	help
	mkconf
	conf
	version
*/
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/google/gousb"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/golabusb/ncmhost/generichttp"
	"github.com/golabusb/ncmhost/usbncm"
)

var (
	// Version is the version number, injected via ldflags at build time.
	Version = "1"

	// ConfigFileName is the default config file looked for in the
	// working directory.
	ConfigFileName = "ncmhost.yml"
	k              = koanf.New(".")
)

type config struct {
	Addr string `yaml:"Addr"`
	Root string `yaml:"Root"`

	// VID/PID select the device to bind, as hex strings (e.g. "0x0525").
	VID string `yaml:"VID"`
	PID string `yaml:"PID"`
}

func setupconfig() {
	k.Load(structs.Provider(config{
		Addr: ":8090",
		Root: "/",
		VID:  "0x0525",
		PID:  "0xa4a2",
	}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") {
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `ncmhost binds a CDC-NCM USB device and serves its link
diagnostics over HTTP, so any HTTP client can observe carrier state,
negotiated speeds, MAC address, MTU, and transfer statistics without
needing direct USB access.

Usage:
	ncmhost <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `ncmhost is configured via its .yaml file. The command mkconf writes
the default configuration to disk; conf prints the configuration that
would be used without writing it.

VID and PID select which USB device to bind, as hex strings (e.g.
"0x0525"). If no device matching VID/PID is present, run retries with
an exponential backoff before giving up.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("ncmhost version %v\n", Version)
}

func parseHexID(s string) (gousb.ID, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	return gousb.ID(v), err
}

// openWithRetry binds the device, retrying with the same backoff shape
// comm.RemoteDevice.Open uses for flaky serial/TCP instruments: this USB
// device can likewise still be enumerating (or mid re-plug) right as the
// server starts.
func openWithRetry(ctx *gousb.Context, vid, pid gousb.ID) (*usbncm.Device, error) {
	dev := usbncm.NewDevice()
	op := func() error {
		return dev.Bind(ctx, vid, pid)
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      10 * time.Second,
		Clock:               backoff.SystemClock,
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func run() {
	cfg := config{}
	k.Unmarshal("", &cfg)

	vid, err := parseHexID(cfg.VID)
	if err != nil {
		log.Fatalf("bad VID %q: %v", cfg.VID, err)
	}
	pid, err := parseHexID(cfg.PID)
	if err != nil {
		log.Fatalf("bad PID %q: %v", cfg.PID, err)
	}

	ctx := gousb.NewContext()
	defer ctx.Close()

	dev, err := openWithRetry(ctx, vid, pid)
	if err != nil {
		log.Fatalf("could not bind device %04x:%04x: %v", vid, pid, err)
	}
	defer dev.Unbind(true)

	hndlrS := generichttp.SubMuxSanitize(cfg.Root)
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Use(dev.Gate().Check)
	mux := chi.NewRouter()
	root.Mount(hndlrS, mux)
	usbncm.RT(dev).Bind(mux)

	log.Printf("bound %04x:%04x, mac=%s mtu=%d, now listening at %s", vid, pid, dev.MAC(), dev.MTU(), cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, root))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	switch strings.ToLower(args[1]) {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
