package main

import (
	"github.com/tinytelemetry/mtd/internal/plugin"
	"github.com/tinytelemetry/mtd/internal/plugins/httpjson"
	"github.com/tinytelemetry/mtd/internal/plugins/lines"
	"github.com/tinytelemetry/mtd/internal/plugins/nginx"
	"github.com/tinytelemetry/mtd/internal/plugins/otlp"
	"github.com/tinytelemetry/mtd/internal/plugins/redis"
	"github.com/tinytelemetry/mtd/internal/plugins/runtime"
)

// defaultRegistry returns a registry holding every built-in plugin type.
func defaultRegistry() *plugin.Registry {
	reg := plugin.NewRegistry()
	httpjson.Register(reg)
	lines.Register(reg)
	nginx.Register(reg)
	otlp.Register(reg)
	redis.Register(reg)
	runtime.Register(reg)
	return reg
}
