package callnode

// Config holds the command-line view of the node; file settings live in
// config.Config.
type Config struct {
	DataDir    string
	ConfigFile string
	Passphrase string
	Name       string // overrides the stored user name when set
	Bind       string // overrides the config listen address when set
	Debug      bool
	NoStdin    bool
}
