package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"peershare/config"
	"peershare/datastore/flatfs"
	"peershare/swarm/agent"

	"golang.org/x/sync/errgroup"
)

const deregisterTimeout = 10 * time.Second

const shellHelp = `commands:
  share [file...]      offer files from the share directory (all when none given)
  list                 show registered peers and their files
  who <file>           show which peers offer a file
  get <peer> <file>    download a file from a peer
  help                 show this help
  quit                 deregister and exit`

// RunPeer starts an agent, registers it and runs the interactive control loop on in/out.
func RunPeer(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	share, err := flatfs.NewShare(cfg.Peer.SharePath)
	if err != nil {
		return err
	}
	downloads, err := flatfs.NewDownloads(cfg.Peer.DownloadPath)
	if err != nil {
		return err
	}

	opts := agent.Options{
		Identity:          cfg.Peer.Identity,
		RegistryAddress:   cfg.Peer.RegistryAddress,
		ControlListen:     cfg.Peer.ControlListen,
		TransferListen:    cfg.Peer.TransferListen,
		AdvertiseHost:     cfg.Peer.AdvertiseHost,
		Share:             share,
		Downloads:         downloads,
		Retry:             retryPolicy(cfg),
		HeartbeatInterval: cfg.Peer.HeartbeatInterval.Duration(),
		IdleTimeout:       cfg.Transfer.IdleTimeout.Duration(),
	}
	if cfg.Discovery.UseMDNS {
		opts.RegistryAddress = ""
	}

	a, err := agent.New(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Register(ctx); err != nil {
		return fmt.Errorf("registering %s: %w", cfg.Peer.Identity, err)
	}

	wg, cctx := errgroup.WithContext(ctx)
	cctx, stop := context.WithCancel(cctx)

	wg.Go(func() error {
		return a.Run(cctx)
	})

	wg.Go(func() error {
		defer stop()
		sh := &shell{agent: a, out: out}
		sh.loop(cctx, in)

		// Still deregister after an interrupt, with the retry policy intact
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deregisterTimeout)
		defer cancel()
		if err := a.Deregister(dctx); err != nil {
			log.Warnf("Deregistering %s: %v", a.Identity(), err)
		}
		return nil
	})

	return wg.Wait()
}

type shell struct {
	agent *agent.Agent
	out   io.Writer
}

// loop reads commands until quit, end of input or cancellation.
func (sh *shell) loop(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(sh.out, infoStyle.Render(fmt.Sprintf("%s ready, type help for commands", sh.agent.Identity())))
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || !sh.exec(ctx, line) {
				return
			}
		}
	}
}

// exec runs one command line. It returns false when the shell should exit.
func (sh *shell) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "share", "offer":
		var err error
		var names []string
		if len(args) == 0 {
			names, err = sh.agent.OfferAll(ctx)
		} else {
			names, err = args, sh.agent.Offer(ctx, args)
		}
		if err != nil {
			renderError(sh.out, err)
			break
		}
		fmt.Fprintln(sh.out, successStyle.Render(fmt.Sprintf("offered %d files", len(names))))

	case "list", "ls":
		snap, err := sh.agent.List(ctx)
		if err != nil {
			renderError(sh.out, err)
			break
		}
		renderSnapshot(sh.out, snap)

	case "who":
		if len(args) != 1 {
			fmt.Fprintln(sh.out, "usage: who <file>")
			break
		}
		owners, err := sh.agent.WhoHas(ctx, args[0])
		if err != nil {
			renderError(sh.out, err)
			break
		}
		renderOwners(sh.out, args[0], owners)

	case "get":
		if len(args) != 2 {
			fmt.Fprintln(sh.out, "usage: get <peer> <file>")
			break
		}
		res, err := sh.agent.Fetch(ctx, args[0], args[1])
		if err != nil {
			renderError(sh.out, err)
			break
		}
		renderResult(sh.out, res)

	case "help", "?":
		fmt.Fprintln(sh.out, shellHelp)

	case "quit", "exit":
		return false

	default:
		fmt.Fprintf(sh.out, "unknown command %q, type help for commands\n", cmd)
	}
	return true
}
