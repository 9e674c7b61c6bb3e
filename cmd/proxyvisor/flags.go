package main

// Flag structs to decouple cobra from logic for testing.

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type ConfigGetFlags struct {
	Key  string
	YAML bool
}

type ConfigSetFlags struct {
	File  string
	Pairs []string
}

type TemplateFlags struct {
	Type   string
	Output string
	Force  bool
}
