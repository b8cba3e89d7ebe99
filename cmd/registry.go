package cmd

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/letsencrypt/validator/v10"
)

// ConfigValidator pairs the config struct of a subcommand with any custom
// validation tags it uses.
type ConfigValidator struct {
	Config     any
	Validators map[string]validator.Func
}

var registry struct {
	sync.Mutex
	commands map[string]func()
	configs  map[string]*ConfigValidator
}

// RegisterCommand registers a subcommand and its corresponding config
// validator. The provided func() is called when the subcommand is invoked on
// the command line. The ConfigValidator is optional and used to validate the
// config file for the subcommand.
func RegisterCommand(name string, f func(), cv *ConfigValidator) {
	registry.Lock()
	defer registry.Unlock()

	if registry.commands == nil {
		registry.commands = make(map[string]func())
	}
	if registry.commands[name] != nil {
		panic(fmt.Sprintf("command %q was registered twice", name))
	}
	registry.commands[name] = f

	if cv == nil {
		return
	}
	if registry.configs == nil {
		registry.configs = make(map[string]*ConfigValidator)
	}
	registry.configs[name] = cv
}

func LookupCommand(name string) func() {
	registry.Lock()
	defer registry.Unlock()
	return registry.commands[name]
}

func AvailableCommands() []string {
	registry.Lock()
	defer registry.Unlock()
	var avail []string
	for name := range registry.commands {
		avail = append(avail, name)
	}
	sort.Strings(avail)
	return avail
}

// LookupConfigValidator returns a fresh *ConfigValidator for the named
// subcommand, or nil if none was registered. The config is a new zero value
// each time, so validating does not touch the registered copy.
func LookupConfigValidator(name string) *ConfigValidator {
	registry.Lock()
	defer registry.Unlock()
	cv := registry.configs[name]
	if cv == nil {
		return nil
	}
	fresh := reflect.New(reflect.ValueOf(cv.Config).Elem().Type()).Interface()
	return &ConfigValidator{
		Config:     fresh,
		Validators: cv.Validators,
	}
}
