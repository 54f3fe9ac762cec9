package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	invalidPort := cfg
	invalidPort.Server.Listen.Port = -1
	require.Error(t, invalidPort.Validate())

	invalidControl := cfg
	invalidControl.Server.ControlPath = "/"
	require.Error(t, invalidControl.Validate())

	invalidVersion := cfg
	invalidVersion.Worker.Version = 0
	require.Error(t, invalidVersion.Validate())

	relativeScope := cfg
	relativeScope.Worker.Scope = "/app/"
	require.Error(t, relativeScope.Validate())

	badTimeout := cfg
	badTimeout.Worker.FetchTimeout = "soon"
	require.Error(t, badTimeout.Validate())

	negativeLimit := cfg
	negativeLimit.Cache.Limits.Media = -1
	require.Error(t, negativeLimit.Validate())

	redisWithoutAddress := cfg
	redisWithoutAddress.Cache.Backend = "redis"
	require.Error(t, redisWithoutAddress.Validate())

	unknownBackend := cfg
	unknownBackend.Cache.Backend = "disk"
	require.Error(t, unknownBackend.Validate())

	conflictingTemplates := cfg
	conflictingTemplates.Offline.Template = "offline"
	conflictingTemplates.Offline.TemplateFile = "offline.tmpl"
	require.Error(t, conflictingTemplates.Validate())
}

func TestConfigValidateRouteRules(t *testing.T) {
	cases := map[string]struct {
		rule    RouteRuleConfig
		wantErr bool
	}{
		"pattern rule":      {rule: RouteRuleConfig{Pattern: `\.woff2$`, Category: "runtime", Strategy: "cache-first"}},
		"cel rule":          {rule: RouteRuleConfig{When: `url.host == "fonts.example"`, Category: "runtime", Strategy: "network-first"}},
		"no matcher":        {rule: RouteRuleConfig{Category: "runtime", Strategy: "cache-first"}, wantErr: true},
		"bad regex":         {rule: RouteRuleConfig{Pattern: "(", Category: "runtime", Strategy: "cache-first"}, wantErr: true},
		"unknown category":  {rule: RouteRuleConfig{Pattern: "x", Category: "fonts", Strategy: "cache-first"}, wantErr: true},
		"page not routable": {rule: RouteRuleConfig{Pattern: "x", Category: "shell", Strategy: "page"}, wantErr: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Routing.Rules = []RouteRuleConfig{tc.rule}
			err := cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestFetchTimeoutDuration(t *testing.T) {
	d, err := WorkerConfig{FetchTimeout: "250ms"}.FetchTimeoutDuration()
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, d)

	d, err = WorkerConfig{}.FetchTimeoutDuration()
	require.NoError(t, err)
	require.Zero(t, d)

	_, err = WorkerConfig{FetchTimeout: "-1s"}.FetchTimeoutDuration()
	require.Error(t, err)
}
