package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Success(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "valid.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "Stable", cfg.Argus.Build)
	assert.Equal(t, "x86", cfg.Argus.Arch)
	assert.Equal(t, 3, cfg.Argus.RetryCount)
	assert.Equal(t, 2*time.Second, cfg.Argus.RetryDelayDuration())
	assert.Equal(t, DefaultResources, cfg.Argus.Resources)
	assert.Equal(t, DefaultImageUsername, cfg.OpenStack.ImageUsername)

	require.Len(t, cfg.Instances, 3)
	assert.Equal(t, TransportWinRM, cfg.Instances["nano"].Transport)
	assert.Equal(t, TransportSSH, cfg.Instances["box"].Transport)

	require.Len(t, cfg.Scenarios, 2)
	scripts := cfg.Scenarios[0].Scripts
	require.Len(t, scripts, 2)
	assert.Equal(t, ScriptPowerShell, scripts[0].Kind)
	assert.Equal(t, ScriptBatch, scripts[1].Kind)
}

func TestLoadConfig_AccumulatesErrors(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "invalid.yaml"))
	require.Error(t, err)

	for _, want := range []string{
		"argus.arch must be one of [x64, x86]",
		"argus.retry_delay must be a positive duration",
		"instances.a: ssh needs key_file or password",
		"scenarios[0].instance references unknown instance 'missing'",
		"scenarios[1].name must be set",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseYAML_Strict(t *testing.T) {
	_, err := ParseYAML([]byte(`
argus:
  retry_cnt: 3
`))
	require.Error(t, err)
}

func TestParseYAML_ExpandsEnvironment(t *testing.T) {
	t.Setenv("ARGUS_TEST_PASSWORD", "hunter2")
	cfg, err := ParseYAML([]byte(`
instances:
  w:
    address: 10.1.1.1
    username: Admin
    password: ${ARGUS_TEST_PASSWORD}
`))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Instances["w"].Password)
}

func TestParseYAML_KeepsLiteralDollars(t *testing.T) {
	t.Setenv("ARGUS_TEST_USER", "Admin")
	t.Setenv("env", "oops")
	cfg, err := ParseYAML([]byte(`
instances:
  w:
    address: 10.1.1.1
    username: ${ARGUS_TEST_USER}
    password: "pa$$word$1"
scenarios:
  - name: s
    instance: w
    scripts:
      - resource: windows/rename.ps1
        parameters: "-Name $env:COMPUTERNAME -Missing ${ARGUS_TEST_UNSET}"
`))
	require.NoError(t, err)
	assert.Equal(t, "Admin", cfg.Instances["w"].Username)
	assert.Equal(t, "pa$$word$1", cfg.Instances["w"].Password)
	assert.Equal(t, "-Name $env:COMPUTERNAME -Missing ", cfg.Scenarios[0].Scripts[0].Parameters)
}

func TestParseYAML_InstanceChecks(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "cert without key",
			yaml: `
instances:
  w:
    address: 10.1.1.1
    cert_pem: cert.pem
`,
			wantErr: "cert_pem and cert_key must be set together",
		},
		{
			name: "cert on ssh",
			yaml: `
instances:
  w:
    transport: ssh
    address: 10.1.1.1
    password: x
    cert_pem: cert.pem
    cert_key: key.pem
`,
			wantErr: "certificate auth is only supported with the winrm transport",
		},
		{
			name: "winrm without address",
			yaml: `
instances:
  w:
    username: x
`,
			wantErr: "instances[w].address must be set",
		},
		{
			name: "bad timeout",
			yaml: `
instances:
  w:
    address: 10.1.1.1
    timeout: soon
`,
			wantErr: "instances.w.timeout must be a positive duration",
		},
		{
			name: "bad nameserver",
			yaml: `
argus:
  dns_nameservers: [8.8.8.8, not-an-ip]
`,
			wantErr: "must be an IP address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultConfigFileParses(t *testing.T) {
	t.Setenv("ARGUS_WIN2016_PASSWORD", "p")
	cfg, err := ParseYAML([]byte(GetDefaultConfigFile()))
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Argus.RetryCount)
	assert.Equal(t, 10*time.Second, cfg.Argus.RetryDelayDuration())
	assert.Equal(t, "p", cfg.Instances["win2016"].Password)
	assert.Equal(t, 60*time.Second, cfg.Instances["win2016"].TimeoutDuration(time.Second))
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
