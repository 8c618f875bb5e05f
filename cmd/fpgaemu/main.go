// Command fpgaemu attaches to an FPGA-hosted RISC-V core over three
// side-band file descriptors and services its MMIO, DMA, and interrupt
// traffic: virtio block/net/console/entropy/input/9P devices, the HTIF
// mailbox, the SiFive test finisher, and an optional boot ROM image.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/rv-hype/fpgaemu/dispatch"
	"github.com/rv-hype/fpgaemu/hostchannel"
	"github.com/rv-hype/fpgaemu/htif"
	"github.com/rv-hype/fpgaemu/membus"
	"github.com/rv-hype/fpgaemu/rom"
	"github.com/rv-hype/fpgaemu/sifive"
	"github.com/rv-hype/fpgaemu/virtio"
	"github.com/rv-hype/fpgaemu/virtio/block"
	"github.com/rv-hype/fpgaemu/virtio/console"
	"github.com/rv-hype/fpgaemu/virtio/entropy"
	"github.com/rv-hype/fpgaemu/virtio/input"
	"github.com/rv-hype/fpgaemu/virtio/mmio"
	"github.com/rv-hype/fpgaemu/virtio/net"
	"github.com/rv-hype/fpgaemu/virtio/ninep"
	"github.com/rv-hype/fpgaemu/virtio/notify"
)

func main() {
	var (
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		blockImage  = flag.String("block-image", "", "back the virtio block device with this file or URL (omit to run without one)")
		blockRO     = flag.Bool("block-readonly", false, "force the block device read-only even if the backing store supports writes")
		netMAC      = flag.String("net-mac", "52:54:00:12:34:56", "MAC address offered by the virtio net device")
		mountTag    = flag.String("9p-mount-tag", "hostshare", "mount tag advertised by the virtio 9P device")
		inputKinds  = flag.String("input", "keyboard,mouse", "comma-separated virtio input devices to register: keyboard, mouse, tablet")
		romFile     = flag.String("rom", "", "raw little-endian boot ROM image mapped read-only at -rom-base")
		romBase     = flag.Uint64("rom-base", 0x20000000, "guest physical base address for -rom")
		htifBase    = flag.Uint64("htif-base", htif.DefaultBase, "guest physical base address for the HTIF mailbox")
		sifiveAddr  = flag.Uint64("sifive-addr", sifive.DefaultAddr, "guest physical address for the SiFive test finisher")
		consoleDest = flag.String("console", "virtio", "where host stdin goes: virtio (console device) or htif")
	)

	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	})))

	if err := run(runConfig{
		blockImage:  *blockImage,
		blockRO:     *blockRO,
		netMAC:      *netMAC,
		mountTag:    *mountTag,
		inputKinds:  *inputKinds,
		romFile:     *romFile,
		romBase:     *romBase,
		htifBase:    *htifBase,
		sifiveAddr:  *sifiveAddr,
		consoleDest: *consoleDest,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "fpgaemu:", err)
		os.Exit(1)
	}
}

type runConfig struct {
	blockImage  string
	blockRO     bool
	netMAC      string
	mountTag    string
	inputKinds  string
	romFile     string
	romBase     uint64
	htifBase    uint64
	sifiveAddr  uint64
	consoleDest string
}

func run(cfg runConfig) error {
	hc, err := hostchannel.Open()
	if err != nil {
		return fmt.Errorf("open host channel: %w", err)
	}
	defer hc.Close()

	gb := membus.New()

	var romImg *rom.ROM
	if cfg.romFile != "" {
		romImg, err = loadROM(cfg.romFile, cfg.romBase)
		if err != nil {
			return fmt.Errorf("load rom: %w", err)
		}
	}

	mailbox := htif.NewMailbox()
	mailbox.SetBase(cfg.htifBase)
	mailbox.Enabled = true

	finisher := sifive.NewFinisher()
	finisher.Addr = cfg.sifiveAddr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exitCode := 0
	finish := func(code int) {
		if code == htif.ExitCodeReset || code == sifive.ExitCodeReset {
			slog.Warn("fpgaemu: guest requested reset, but this host channel has no reset line; ignoring")
			return
		}

		exitCode = code
		cancel()
	}
	mailbox.Finish = finish
	finisher.Finish = finish

	consoleDev := console.NewDevice()
	consoleDev.Out = os.Stdout
	mailbox.Sink = stdoutSink{}

	handlers := []virtio.DeviceHandler{
		netDevice(cfg.netMAC),
		consoleDev,
		entropy.NewDevice(),
		ninep.NewDevice(ninep.NewMemFS(), cfg.mountTag),
	}

	if cfg.blockImage != "" {
		storage, err := openStorage(cfg.blockImage)
		if err != nil {
			return fmt.Errorf("open block image %s: %w", cfg.blockImage, err)
		}

		handlers = append(handlers, block.NewDevice(storage, cfg.blockRO))
	}

	for _, kind := range strings.Split(cfg.inputKinds, ",") {
		kind = strings.TrimSpace(kind)
		if kind == "" {
			continue
		}

		profile, err := parseInputProfile(kind)
		if err != nil {
			return err
		}

		handlers = append(handlers, input.NewDevice(profile))
	}

	sched := notify.New()
	bus := mmio.NewBus(handlers, hc, hc, sched)

	if err := bus.Install(gb); err != nil {
		return fmt.Errorf("install virtio devices: %w", err)
	}

	d := &dispatch.Dispatcher{HC: hc, Bus: gb, HTIF: mailbox, SiFive: finisher, ROM: romImg}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enter raw terminal mode: %w", err)
		}

		defer term.Restore(int(os.Stdin.Fd()), old)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sched.Stop()
		return nil
	})

	g.Go(sched.Run)

	g.Go(func() error {
		for ctx.Err() == nil {
			if err := d.ServeOne(); err != nil {
				return fmt.Errorf("dispatch: %w", err)
			}
		}
		return nil
	})

	g.Go(func() error {
		return pumpStdin(ctx, cancel, mailbox, consoleDev, cfg.consoleDest)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}

	return nil
}

func netDevice(macStr string) *net.Device {
	mac, err := parseMAC(macStr)
	if err != nil {
		slog.Warn("fpgaemu: invalid -net-mac, using default", "err", err)
		mac, _ = parseMAC("52:54:00:12:34:56")
	}

	d := net.NewDevice(mac)
	d.Sink = discardSink{}
	return d
}

func parseMAC(s string) (mac [6]byte, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("want 6 colon-separated octets, got %q", s)
	}

	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, fmt.Errorf("octet %d: %w", i, err)
		}

		mac[i] = byte(v)
	}

	return mac, nil
}

func parseInputProfile(kind string) (input.Profile, error) {
	switch kind {
	case "keyboard":
		return input.ProfileKeyboard, nil
	case "mouse":
		return input.ProfileMouse, nil
	case "tablet":
		return input.ProfileTablet, nil
	default:
		return 0, fmt.Errorf("unknown -input device %q", kind)
	}
}

// openStorage resolves -block-image the same way the teacher's readURL
// resolved -kernel/-initrd: a bare path or file:// URL opens a regular
// file, http(s):// backs the device with ranged GETs instead of reading
// the whole image into memory.
func openStorage(s string) (block.Storage, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		path := s
		if u.Scheme == "file" {
			path = u.Path
		}

		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if os.IsPermission(err) {
			f, err = os.Open(path)
		}
		if err != nil {
			return nil, err
		}

		return &block.FileStorage{File: f}, nil

	case "http", "https":
		return &block.HTTPStorage{URL: u.String()}, nil

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

func loadROM(path string, base uint64) (*rom.ROM, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	words := make([]uint64, (len(raw)+7)/8)
	padded := raw
	if len(raw)%8 != 0 {
		padded = append(padded, make([]byte, 8-len(raw)%8)...)
	}

	for i := range words {
		words[i] = binary.LittleEndian.Uint64(padded[i*8:])
	}

	return rom.New(base, words), nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// stdoutSink backs htif.Mailbox.Sink: every byte the guest writes via a
// dev=1,cmd=1 tohost packet goes straight to the host's stdout.
type stdoutSink struct{}

func (stdoutSink) WriteByte(c byte) error {
	_, err := os.Stdout.Write([]byte{c})
	return err
}

// discardSink backs net.Device.Sink when no TAP/SLIRP transport is wired
// in: transmitted frames are logged and dropped rather than blocking the
// guest driver on a transport this module doesn't implement.
type discardSink struct{}

func (discardSink) WritePacket(frame []byte) error {
	slog.Debug("fpgaemu: dropped outbound net frame (no transport configured)", "len", len(frame))
	return nil
}

const ctrlA = 0x01

// pumpStdin reads raw bytes from the host terminal and forwards them to
// either the HTIF stdin queue or the virtio console's rx queue, handling
// the `C-a x`/`C-a r`/`C-a h`/`C-a C-a` escape sequences the source's
// terminal pump recognizes before a byte ever reaches the guest.
func pumpStdin(ctx context.Context, cancel context.CancelFunc, mailbox *htif.Mailbox, con *console.Device, dest string) error {
	buf := make([]byte, 256)
	escaped := false

	deliver := func(b byte) {
		switch dest {
		case "htif":
			mailbox.QueueStdin(b)
		default:
			con.WriteData([]byte{b})
		}
	}

	readCh := make(chan []byte)
	errCh := make(chan error, 1)

	go func() {
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				readCh <- chunk
			}

			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-errCh:
			if err != nil {
				return nil
			}

		case chunk := <-readCh:
			for _, b := range chunk {
				if escaped {
					escaped = false

					switch b {
					case 'x':
						cancel()
						return nil
					case 'r':
						slog.Warn("fpgaemu: C-a r (reset) requested, but this host channel has no reset line")
					case 'h':
						fmt.Fprint(os.Stderr, "\r\nfpgaemu escape keys: C-a x (exit), C-a r (reset), C-a h (this help), C-a C-a (send literal C-a)\r\n")
					case ctrlA:
						deliver(ctrlA)
					default:
						// unrecognized escape: swallow it, matching the
						// source's terminal pump.
					}

					continue
				}

				if b == ctrlA {
					escaped = true
					continue
				}

				deliver(b)
			}
		}
	}
}
