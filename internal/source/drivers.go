package source

import "github.com/retcon/retcon/internal/model"

// Builder constructs a DataSource for one (entity, source) pair from
// its configured settings map. Registered under the config file's
// `driver` name.
type Builder func(entity model.EntityName, settings map[string]string) (DataSource, error)

// Builders is the driver-name registry consulted when wiring sources
// from config. It is a plain map rather than a Registry method set
// since, unlike Registry, it is populated once at program init and
// never mutated per request.
var Builders = map[string]Builder{
	"memory": func(model.EntityName, map[string]string) (DataSource, error) {
		return NewMemSource(), nil
	},
	"http": func(entity model.EntityName, settings map[string]string) (DataSource, error) {
		baseURL := settings["base_url"]
		if baseURL == "" {
			return nil, &model.ConfigError{Reason: "http source requires a base_url setting"}
		}
		return NewHTTPSource(entity, baseURL), nil
	},
}

// Build constructs a DataSource using the named driver and its
// settings, or a model.ConfigError if the driver is unknown.
func Build(driver string, entity model.EntityName, settings map[string]string) (DataSource, error) {
	builder, ok := Builders[driver]
	if !ok {
		return nil, &model.ConfigError{Reason: "unknown source driver " + driver}
	}
	return builder(entity, settings)
}
