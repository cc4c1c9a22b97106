package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rendis/callflow/internal/capability"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CALLFLOW_"

type lookupFunc func(key string) (string, bool)

// applyEnv overrides settings from CALLFLOW_* variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)

	e.str("REASONING_PROVIDER", &c.Reasoning.Provider)
	e.str("REASONING_MODEL", &c.Reasoning.Model)
	e.str("REASONING_BASE_URL", &c.Reasoning.BaseURL)
	e.str("REASONING_API_KEY", &c.Reasoning.APIKey)
	e.float("REASONING_TEMPERATURE", &c.Reasoning.Temperature)

	e.str("CREDENTIAL", &c.Capabilities.Credential)
	e.str("CREDENTIAL_ARG", &c.Capabilities.CredentialArg)
	e.str("AUTH_SENTINEL", &c.Capabilities.AuthSentinel)
	e.duration("CAPABILITY_TIMEOUT", &c.Capabilities.Timeout)
	e.integer("BREAKER_FAILURE_THRESHOLD", &c.Capabilities.Breaker.FailureThreshold)
	e.duration("BREAKER_COOLDOWN", &c.Capabilities.Breaker.Cooldown)

	var customerURL, operationsURL string
	e.str("CUSTOMER_MCP_URL", &customerURL)
	e.str("OPERATIONS_MCP_URL", &operationsURL)
	if customerURL != "" {
		c.setMCPProvider(capability.NamespaceCustomer, customerURL)
	}
	if operationsURL != "" {
		c.setMCPProvider(capability.NamespaceOperations, operationsURL)
	}

	e.duration("REPEAT_WINDOW", &c.Workflow.RepeatWindow)
	e.str("HISTORY_FILTER", &c.Workflow.HistoryFilter)
	e.str("UPDATE_FILTER", &c.Workflow.UpdateFilter)
	e.integer("MAX_REVIEW_TURNS", &c.Workflow.MaxReviewTurns)
	e.integer("MAX_HOPS", &c.Workflow.MaxHops)

	e.str("STORE_PATH", &c.Store.Path)

	e.boolean("QUEUE_ENABLED", &c.Queue.Enabled)
	e.str("REDIS_ADDR", &c.Queue.Addr)
	e.str("REDIS_PASSWORD", &c.Queue.Password)
	e.integer("REDIS_DB", &c.Queue.DB)
	e.str("QUEUE_STREAM", &c.Queue.Stream)
	e.str("QUEUE_GROUP", &c.Queue.Group)
	e.str("QUEUE_CONSUMER", &c.Queue.Consumer)
	e.str("QUEUE_DEAD_LETTER", &c.Queue.DeadLetter)
	e.str("QUEUE_OUT_STREAM", &c.Queue.OutStream)
	e.duration("QUEUE_RECLAIM_IDLE", &c.Queue.ReclaimIdle)
	e.integer("QUEUE_MAX_DELIVERIES", &c.Queue.MaxDeliveries)

	e.str("HTTP_ADDR", &c.HTTP.Addr)
	e.duration("HTTP_RUN_TIMEOUT", &c.HTTP.RunTimeout)

	e.str("RETENTION_SCHEDULE", &c.Retention.Schedule)
	e.duration("RETENTION_MAX_AGE", &c.Retention.MaxAge)

	e.integer("DISPATCHER_SIZE", &c.Dispatcher.Size)

	return e.err
}

// setMCPProvider replaces any provider for namespace with a streamable MCP one.
func (c *Config) setMCPProvider(namespace, url string) {
	p := ProviderConfig{Namespace: namespace, Type: ProviderTypeMCP, Transport: capability.TransportStreamable, URL: url}
	for i := range c.Capabilities.Providers {
		if c.Capabilities.Providers[i].Namespace == namespace {
			c.Capabilities.Providers[i] = p
			return
		}
	}
	c.Capabilities.Providers = append(c.Capabilities.Providers, p)
}

// envReader records the first parse failure and ignores later variables' errors.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(name, v string, err error) {
	if e.err == nil {
		e.err = invalid(EnvPrefix+name, "cannot parse %q: %v", v, err)
	}
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) integer(name string, dst *int) {
	if v, ok := e.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(name string, dst *float64) {
	if v, ok := e.get(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if v, ok := e.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, fmt.Errorf("want a Go duration such as 90s or 168h: %w", err))
			return
		}
		*dst = d
	}
}
