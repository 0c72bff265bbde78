package callnode

import (
	"bufio"
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"p2p-call/internal/call"
	"p2p-call/internal/contacts"
	"p2p-call/internal/database"
	"p2p-call/internal/discovery"
	"p2p-call/internal/identity"
	"p2p-call/internal/uiutil"
)

func (a *App) readStdin(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		a.handleCommand(line)
	}
}

func (a *App) handleCommand(line string) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch cmd {
	case "/quit", "/exit":
		a.ui.Println("quitting...")
		a.Quit()

	case "/me":
		st := a.Settings()
		a.ui.Println()
		a.ui.Println("== You ==")
		a.ui.Printf("  Name:       %s\n", st.Username)
		a.ui.Printf("  Key:        %s\n", st.PublicKey.Hex())
		a.ui.Printf("  Addresses:  %s\n", strings.Join(st.Addresses, ", "))
		a.ui.Printf("  Listen on:  %s\n", a.Server.ListenAddr())
		a.ui.Printf("  Unknown:    %s\n", blockWord(st.BlockUnknown))
		a.ui.Println()

	case "/name":
		if rest == "" {
			a.ui.Println("usage: /name <name>")
			return
		}
		if err := a.updateSettings(func(s *database.Settings) { s.Username = rest }); err != nil {
			a.ui.Printf("name: %v\n", err)
			return
		}
		a.ui.Printf("you are now %q\n", rest)

	case "/share":
		st := a.Settings()
		card, err := contacts.MarshalShare(contacts.Contact{Name: st.Username, PublicKey: st.PublicKey, Addresses: st.Addresses})
		if err != nil {
			a.ui.Printf("share: %v\n", err)
			return
		}
		a.ui.Println(card)

	case "/contacts":
		a.printContacts()

	case "/add":
		a.addContact(args)

	case "/addcard":
		c, err := contacts.ParseShare(rest)
		if err != nil {
			a.ui.Printf("addcard: %v\n", err)
			return
		}
		a.storeContact(c)

	case "/del":
		c, ok := a.resolve(rest)
		if !ok {
			return
		}
		if err := a.dir.Remove(c.PublicKey); err != nil {
			a.ui.Printf("del: %v\n", err)
			return
		}
		a.ui.Printf("deleted %s\n", displayName(c))

	case "/rename":
		if len(args) < 2 {
			a.ui.Println("usage: /rename <who> <name>")
			return
		}
		c, ok := a.resolve(args[0])
		if !ok {
			return
		}
		name := strings.TrimSpace(strings.TrimPrefix(rest, args[0]))
		a.editContact(c, func(c *contacts.Contact) { c.Name = name })

	case "/block", "/unblock":
		c, ok := a.resolve(rest)
		if !ok {
			return
		}
		blocked := cmd == "/block"
		a.editContact(c, func(c *contacts.Contact) { c.Blocked = blocked })

	case "/blockunknown":
		var on bool
		switch rest {
		case "on":
			on = true
		case "off":
		default:
			a.ui.Println("usage: /blockunknown on|off")
			return
		}
		if err := a.updateSettings(func(s *database.Settings) { s.BlockUnknown = on }); err != nil {
			a.ui.Printf("blockunknown: %v\n", err)
			return
		}
		a.ui.Printf("unknown callers: %s\n", blockWord(on))

	case "/call":
		c, ok := a.resolve(rest)
		if !ok {
			return
		}
		if _, err := a.Calls.Dial(a.ctx, c); err != nil {
			a.ui.Printf("call: %v\n", err)
			return
		}
		a.ui.Printf("[CALL] calling %s...\n", displayName(c))

	case "/accept", "/decline", "/hangup":
		c := a.Calls.Current()
		if c == nil {
			a.ui.Println("no call in progress")
			return
		}
		var err error
		switch cmd {
		case "/accept":
			err = c.Accept()
		case "/decline":
			err = c.Decline()
		default:
			err = c.HangUp()
		}
		if err != nil {
			a.ui.Printf("%s: %v\n", strings.TrimPrefix(cmd, "/"), err)
		}

	case "/ping":
		a.ping(rest)

	case "/events":
		n := 20
		if rest != "" {
			v, err := strconv.Atoi(rest)
			if err != nil || v <= 0 {
				a.ui.Println("usage: /events [n]")
				return
			}
			n = v
		}
		a.printEvents(n)

	case "/discover":
		a.discover()

	case "/export":
		if len(args) != 2 {
			a.ui.Println("usage: /export <file> <password>")
			return
		}
		a.export(args[0], args[1])

	case "/import":
		if len(args) != 2 {
			a.ui.Println("usage: /import <file> <password>")
			return
		}
		a.importBackup(args[0], args[1])

	default:
		a.ui.Println("unknown command")
		PrintCommands(a.ui)
	}
}

func blockWord(blocked bool) string {
	if blocked {
		return "blocked"
	}
	return "allowed"
}

// resolve finds a contact by list number, name or key prefix.
func (a *App) resolve(who string) (contacts.Contact, bool) {
	who = strings.TrimSpace(who)
	if who == "" {
		a.ui.Println("which contact?")
		return contacts.Contact{}, false
	}
	list := a.dir.List()
	if n, err := strconv.Atoi(who); err == nil && n >= 1 && n <= len(list) {
		return list[n-1], true
	}
	if c, ok := a.dir.FindByName(who); ok {
		return c, true
	}
	var match []contacts.Contact
	for _, c := range list {
		if strings.HasPrefix(c.PublicKey.Hex(), strings.ToLower(who)) {
			match = append(match, c)
		}
	}
	switch len(match) {
	case 1:
		return match[0], true
	case 0:
		a.ui.Printf("no contact %q\n", who)
	default:
		a.ui.Printf("%q is ambiguous\n", who)
	}
	return contacts.Contact{}, false
}

func (a *App) printContacts() {
	list := a.dir.List()
	if len(list) == 0 {
		a.ui.Println("no contacts")
		return
	}
	a.ui.Println()
	a.ui.Printf("%-3s  %-16s  %-8s  %-7s  %s\n", "#", "NAME", "KEY", "STATE", "ADDRESSES")
	a.ui.Printf("%-3s  %-16s  %-8s  %-7s  %s\n", "-", "----", "---", "-----", "---------")
	for i, c := range list {
		state := uiutil.Presence(c.State == contacts.StateOnline)
		if c.Blocked {
			state = uiutil.Dim("blocked")
		}
		a.ui.Printf("%-3d  %-16s  %-8s  %-7s  %s\n", i+1, displayName(c), c.PublicKey.Short(), state, strings.Join(c.Addresses, ", "))
	}
	a.ui.Println()
}

// addContact handles "/add <name> <key> [addr...]" and "/add #<n>" for a
// node found by /discover.
func (a *App) addContact(args []string) {
	if len(args) == 1 && strings.HasPrefix(args[0], "#") {
		n, err := strconv.Atoi(strings.TrimPrefix(args[0], "#"))
		a.discMu.Lock()
		found := a.discovered
		a.discMu.Unlock()
		if err != nil || n < 1 || n > len(found) {
			a.ui.Println("no such discovered node, run /discover first")
			return
		}
		p := found[n-1]
		a.storeContact(contacts.Contact{Name: p.Name, PublicKey: p.PublicKey, Addresses: []string{p.Address}})
		return
	}
	if len(args) < 2 {
		a.ui.Println("usage: /add <name> <key> [addr...]")
		return
	}
	pk, err := identity.ParsePublicKey(args[1])
	if err != nil {
		a.ui.Printf("add: %v\n", err)
		return
	}
	a.storeContact(contacts.Contact{Name: args[0], PublicKey: pk, Addresses: args[2:]})
}

func (a *App) storeContact(c contacts.Contact) {
	if c.PublicKey == a.PublicKey() {
		a.ui.Println("that is you")
		return
	}
	isNew, err := a.dir.Merge(c)
	if err != nil {
		a.ui.Printf("add: %v\n", err)
		return
	}
	if isNew {
		a.ui.Printf("added %s\n", displayName(c))
	} else {
		a.ui.Printf("updated %s\n", displayName(c))
	}
	a.Prober.Trigger()
}

func (a *App) editContact(c contacts.Contact, fn func(*contacts.Contact)) {
	updated, err := a.dir.Update(c.PublicKey, fn)
	if err != nil {
		a.ui.Printf("update: %v\n", err)
		return
	}
	a.ui.Printf("%s updated (%s)\n", displayName(updated), blockWord(updated.Blocked))
}

func (a *App) ping(who string) {
	if who == "" {
		a.Prober.Trigger()
		a.ui.Println("checking all contacts...")
		return
	}
	c, ok := a.resolve(who)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
		defer cancel()
		r := a.Prober.Probe(ctx, c)
		if r.State == contacts.StateOnline {
			a.dir.MarkOnline(c.PublicKey, r.Address)
		} else {
			a.dir.SetState(c.PublicKey, contacts.StateOffline)
		}
		a.ui.Printf("[PING] %s is %s\n", displayName(c), uiutil.Presence(r.State == contacts.StateOnline))
	}()
}

func (a *App) printEvents(n int) {
	evs, err := a.store.Events(n)
	if err != nil {
		a.ui.Printf("events: %v\n", err)
		return
	}
	if len(evs) == 0 {
		a.ui.Println("no calls yet")
		return
	}
	for _, e := range evs {
		name := e.PublicKey.Short()
		if c, ok := a.dir.Get(e.PublicKey); ok {
			name = displayName(c)
		}
		a.ui.Printf("%s  %-18s  %s  %s\n", e.Date.Local().Format("2006-01-02 15:04"), e.Type, name, e.Address)
	}
}

func (a *App) discover() {
	if !a.conf.LANDiscovery {
		a.ui.Println("LAN discovery is disabled in the config")
		return
	}
	cfg := discovery.DefaultLANConfig()
	cfg.Port = a.conf.LANPort
	found, err := discovery.Discover(a.ctx, cfg, a.announcement())
	if err != nil {
		a.ui.Printf("discover: %v\n", err)
		return
	}
	a.discMu.Lock()
	a.discovered = found
	a.discMu.Unlock()
	if len(found) == 0 {
		a.ui.Println("nobody found")
		return
	}
	for i, p := range found {
		known := ""
		if _, ok := a.dir.Get(p.PublicKey); ok {
			known = " (in contacts)"
		}
		a.ui.Printf("#%d  %s  %s  %s%s\n", i+1, uiutil.Name(p.Name, p.PublicKey), p.PublicKey.Short(), p.Address, known)
	}
	a.ui.Println("add one with /add #<n>")
}

func (a *App) export(path, password string) {
	db, err := a.store.Snapshot()
	if err != nil {
		a.ui.Printf("export: %v\n", err)
		return
	}
	blob, err := database.Export(db, password)
	if err != nil {
		a.ui.Printf("export: %v\n", err)
		return
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		a.ui.Printf("export: %v\n", err)
		return
	}
	a.ui.Printf("backup written to %s (%d contacts)\n", path, len(db.Contacts))
}

func (a *App) importBackup(path, password string) {
	blob, err := os.ReadFile(path)
	if err != nil {
		a.ui.Printf("import: %v\n", err)
		return
	}
	db, err := database.Import(blob, password)
	if err != nil {
		a.ui.Printf("import: %v\n", err)
		return
	}
	added := 0
	for _, c := range db.Contacts {
		if c.PublicKey == a.PublicKey() {
			continue
		}
		if isNew, err := a.dir.Merge(c); err == nil && isNew {
			added++
		}
	}
	a.ui.Printf("imported %d new contacts\n", added)
}

// Quit makes Run return. Safe to call more than once.
func (a *App) Quit() { a.quitOnce.Do(func() { close(a.quit) }) }

// CurrentCall exposes the active call for embedding UIs.
func (a *App) CurrentCall() *call.Call { return a.Calls.Current() }
