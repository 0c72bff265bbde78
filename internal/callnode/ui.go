package callnode

import (
	"p2p-call/internal/uiutil"
)

func PrintBanner(p Printer, a *App) {
	p.Println()
	p.Println(uiutil.Bold("Node started."))
	p.Printf("Name:           %s\n", a.Username())
	p.Printf("Key:            %s\n", a.PublicKey().Hex())
	p.Printf("Addr:           %s\n", a.Server.ListenAddr())
	p.Println()
	PrintCommands(p)
	p.Println()
}

func PrintCommands(p Printer) {
	p.Println("Commands:")
	p.Println("    /me                               - print your name, key and addresses")
	p.Println("    /name <name>                      - change your name")
	p.Println("    /share                            - print your contact card")
	p.Println("    /contacts                         - list contacts")
	p.Println("    /add <name> <key> [addr...]       - add a contact")
	p.Println("    /addcard <json>                   - add a contact from a card")
	p.Println("    /del <who>                        - delete a contact")
	p.Println("    /rename <who> <name>              - rename a contact")
	p.Println("    /block <who>, /unblock <who>      - block or unblock a contact")
	p.Println("    /blockunknown on|off              - refuse callers not in contacts")
	p.Println("    /call <who>                       - call a contact")
	p.Println("    /accept, /decline, /hangup        - control the current call")
	p.Println("    /ping [who]                       - check who is online")
	p.Println("    /events [n]                       - show the call log")
	p.Println("    /discover                         - look for nodes on the LAN")
	p.Println("    /export <file> <password>         - write an encrypted backup")
	p.Println("    /import <file> <password>         - merge contacts from a backup")
	p.Println("    /quit                             - exit")
}
