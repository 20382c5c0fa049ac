package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/certifier/errors"
)

func defaults(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

// isolate points every config location at empty temp dirs.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(project)
	Reset()
	t.Cleanup(Reset)
	return project
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaults(t)

	if cfg.Authority.Port != DefaultAuthorityPort {
		t.Errorf("expected default authority port %d, got %d", DefaultAuthorityPort, cfg.Authority.Port)
	}
	if cfg.App.Port != DefaultAppPort {
		t.Errorf("expected default app port %d, got %d", DefaultAppPort, cfg.App.Port)
	}
	if cfg.Trust.Purpose != "authentication" {
		t.Errorf("expected default purpose authentication, got %q", cfg.Trust.Purpose)
	}
	if cfg.Trust.EnclaveType != "simulated-enclave" {
		t.Errorf("expected simulated enclave by default, got %q", cfg.Trust.EnclaveType)
	}
	assert.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestDataPaths(t *testing.T) {
	cfg := defaults(t)
	cfg.Data.Dir = "/var/lib/certifier"

	assert.Equal(t, "/var/lib/certifier/store.bin", cfg.StorePath())
	assert.Equal(t, "/var/lib/certifier/policy_cert_file.bin", cfg.PolicyCertPath())
	assert.Equal(t, "/var/lib/certifier/authority.db", cfg.DatabasePath())

	cfg.Data.StoreFile = "/elsewhere/store.bin"
	assert.Equal(t, "/elsewhere/store.bin", cfg.StorePath(), "absolute names are not joined")

	assert.Equal(t, "localhost:8123", cfg.AuthorityAddr())
	assert.Equal(t, "localhost:8124", cfg.AppAddr())
	assert.Equal(t, int64(30), int64(cfg.CertifyTimeout().Seconds()))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"empty data dir", func(c *Config) { c.Data.Dir = "" }, "data.dir"},
		{"empty store file", func(c *Config) { c.Data.StoreFile = "" }, "data.store_file"},
		{"authority port zero", func(c *Config) { c.Authority.Port = 0 }, "authority.port"},
		{"app port too large", func(c *Config) { c.App.Port = 70000 }, "app.port"},
		{"frame limit too small", func(c *Config) { c.Authority.MaxFrameBytes = 16 }, "authority.max_frame_bytes"},
		{"message limit too large", func(c *Config) { c.App.MaxMessageBytes = MaxFrameBytes + 1 }, "app.max_message_bytes"},
		{"negative rate", func(c *Config) { c.Authority.RequestsPerSecond = -1 }, "authority.requests_per_second"},
		{"negative burst", func(c *Config) { c.Authority.Burst = -1 }, "authority.burst"},
		{"zero certify timeout", func(c *Config) { c.Trust.CertifyTimeoutSeconds = 0 }, "trust.certify_timeout_seconds"},
		{"zero cert duration", func(c *Config) { c.Authority.CertDurationDays = 0 }, "authority.cert_duration_days"},
		{"unknown purpose", func(c *Config) { c.Trust.Purpose = "crap" }, "trust.purpose"},
		{"unknown enclave type", func(c *Config) { c.Trust.EnclaveType = "sev-enclave" }, "trust.enclave_type"},
		{"empty enclave id", func(c *Config) { c.Trust.EnclaveID = "" }, "trust.enclave_id"},
		{"empty predicate", func(c *Config) { c.Trust.RequiredPredicate = "" }, "trust.required_predicate"},
		{"negative verbosity", func(c *Config) { c.Log.Verbosity = -1 }, "log.verbosity"},
		{"shared parent pipe", func(c *Config) {
			c.Trust.EnclaveType = "application-enclave"
			c.Parent.WriteFD = c.Parent.ReadFD
		}, "parent.read_fd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.key)
		})
	}

	t.Run("application enclave with default pipes", func(t *testing.T) {
		cfg := defaults(t)
		cfg.Trust.EnclaveType = "application-enclave"
		assert.NoError(t, cfg.Validate())
		assert.Equal(t, 3, cfg.Parent.ReadFD)
		assert.Equal(t, 4, cfg.Parent.WriteFD)
	})

	t.Run("zero rate is unlimited", func(t *testing.T) {
		cfg := defaults(t)
		cfg.Authority.RequestsPerSecond = 0
		cfg.Authority.Burst = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoad_Cascade(t *testing.T) {
	project := isolate(t)

	userCfg := filepath.Join(os.Getenv("HOME"), ".certifier", "am.toml")
	require.NoError(t, os.MkdirAll(filepath.Dir(userCfg), 0o755))
	require.NoError(t, os.WriteFile(userCfg, []byte("[authority]\nhost = \"user-host\"\nport = 9001\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "am.toml"), []byte("[authority]\nport = 9002\n"), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "user-host", cfg.Authority.Host, "user file fills keys the project file leaves out")
	assert.Equal(t, 9002, cfg.Authority.Port, "project file overrides user file")
	assert.Equal(t, DefaultAppPort, cfg.App.Port)

	assert.Equal(t, SourceProject, ConfigSources["authority.port"].Source)
	assert.Equal(t, SourceUser, ConfigSources["authority.host"].Source)
}

func TestLoad_EnvOverridesFiles(t *testing.T) {
	project := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(project, "am.toml"), []byte("[authority]\nport = 9002\n[trust]\npurpose = \"attestation\"\n"), 0o644))
	t.Setenv("CERTIFIER_AUTHORITY_PORT", "9100")
	t.Setenv("CERTIFIER_TRUST_PURPOSE", "authentication")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Authority.Port)
	assert.Equal(t, "authentication", cfg.Trust.Purpose)
}

func TestLoad_FindsProjectConfigAbove(t *testing.T) {
	project := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(project, "am.toml"), []byte("[app]\nport = 9300\n"), 0o644))
	nested := filepath.Join(project, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	t.Chdir(nested)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9300, cfg.App.Port)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte("[trust]\nenclave_id = \"worker-7\"\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "worker-7", cfg.Trust.EnclaveID)
	assert.Equal(t, DefaultAuthorityPort, cfg.Authority.Port)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.True(t, errors.IsIOError(err))
}

func TestSaveRotatesBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "am.toml")
	cfg := defaults(t)

	for port := 9001; port <= 9005; port++ {
		cfg.Authority.Port = port
		require.NoError(t, Save(cfg, path))
	}

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9005, loaded.Authority.Port)

	for n, want := range map[int]int{1: 9004, 2: 9003, 3: 9002} {
		data, err := os.ReadFile(backupPath(path, n))
		require.NoError(t, err)
		var doc Config
		require.NoError(t, toml.Unmarshal(data, &doc))
		assert.Equal(t, want, doc.Authority.Port, "back%d", n)
	}
	_, err = os.Stat(path + ".back4")
	assert.True(t, os.IsNotExist(err))
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	cfg := defaults(t)
	cfg.App.Port = -1
	assert.True(t, errors.IsValidationError(Save(cfg, path)))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[authority]\nhost = \"kept\"\n"), 0o644))

	require.NoError(t, SetValue(path, "authority.port", 9400))
	require.NoError(t, SetValue(path, "log.json", true))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "kept", cfg.Authority.Host)
	assert.Equal(t, 9400, cfg.Authority.Port)
	assert.True(t, cfg.Log.JSON)

	assert.True(t, errors.IsValidationError(SetValue(path, "authority..port", 1)))
}

func TestIntrospection(t *testing.T) {
	project := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(project, "am.toml"), []byte("[app]\nport = 9500\n"), 0o644))
	t.Setenv("CERTIFIER_AUTHORITY_HOST", "env-host")

	settings, err := GetConfigIntrospection()
	require.NoError(t, err)

	byKey := map[string]SettingInfo{}
	for _, s := range settings {
		byKey[s.Key] = s
	}
	assert.Equal(t, SourceProject, byKey["app.port"].Source)
	assert.Equal(t, SourceEnvironment, byKey["authority.host"].Source)
	assert.Equal(t, "CERTIFIER_AUTHORITY_HOST", byKey["authority.host"].SourcePath)
	assert.Equal(t, SourceDefault, byKey["trust.purpose"].Source)
}
