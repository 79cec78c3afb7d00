package proxy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eigerco/kvclient/pkg/config"
	"github.com/eigerco/kvclient/pkg/transport"
)

const (
	// MainClass is the proxy entry point inside kvproxy.jar.
	MainClass = "oracle.kv.proxy.KVProxy"
	proxyJar  = "kvproxy.jar"
)

// securityKeys maps short security property names to the names the proxy
// reads from its security file.
var securityKeys = map[string]string{
	"TRANSPORT":             "oracle.kv.transport",
	"SSL_PROTOCOLS":         "oracle.kv.ssl.protocols",
	"SSL_HOSTNAME_VERIFIER": "oracle.kv.ssl.hostnameVerifier",
	"SSL_TRUSTSTORE_FILE":   "oracle.kv.ssl.trustStore",
	"AUTH_USERNAME":         "oracle.kv.auth.username",
	"AUTH_PWDFILE":          "oracle.kv.auth.pwdfile.file",
}

// Args builds the java arguments that launch the proxy. securityFile is
// passed with -security when not empty.
func Args(cfg *config.Config, securityFile string) ([]string, error) {
	var args []string
	if cfg.Proxy.LogConfig != "" {
		args = append(args, "-Dlog4j.configuration="+filepath.Clean(cfg.Proxy.LogConfig))
	}

	classpath := filepath.Clean(cfg.Proxy.KVClientJar) + string(os.PathListSeparator) +
		filepath.Join(cfg.Proxy.ProxyHome, proxyJar)
	args = append(args, "-cp", classpath, MainClass)

	if len(cfg.HelperHosts) > 0 {
		args = append(args, "-helper-hosts", strings.Join(cfg.HelperHosts, ","))
	}

	port, err := listenPort(cfg.Proxy.Address)
	if err != nil {
		return nil, err
	}
	if port != "" {
		args = append(args, "-port", port)
	}

	if cfg.StoreName != "" {
		args = append(args, "-store", cfg.StoreName)
	}
	if securityFile != "" {
		args = append(args, "-security", securityFile)
	}
	return args, nil
}

func listenPort(addr string) (string, error) {
	scheme, target, err := transport.ParseAddress(addr)
	if err != nil {
		return "", err
	}
	if scheme == transport.SchemeUnix {
		return "", fmt.Errorf("%w: the proxy only listens on tcp, got %s", ErrStartProxy, addr)
	}
	i := strings.LastIndex(target, ":")
	if i < 0 {
		return "", nil
	}
	return target[i+1:], nil
}

// SecurityProperties renders security properties in the proxy's file format,
// one key=value per line, sorted by key. Full property names are kept as is.
func SecurityProperties(props map[string]string) (string, error) {
	lines := make([]string, 0, len(props))
	for k, v := range props {
		name, ok := securityKeys[k]
		if !ok {
			if !strings.HasPrefix(k, "oracle.kv.") {
				return "", fmt.Errorf("%w: unknown security property %q", config.ErrInvalidParameter, k)
			}
			name = k
		}
		lines = append(lines, name+"="+v)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n", nil
}

// writeSecurityFile returns the security file to hand to the proxy, writing
// one when the configuration lists properties. cleanup removes what was
// written.
func writeSecurityFile(sec config.Security) (path string, cleanup func(), err error) {
	if sec.File != "" {
		return sec.File, func() {}, nil
	}
	if len(sec.Properties) == 0 {
		return "", func() {}, nil
	}

	content, err := SecurityProperties(sec.Properties)
	if err != nil {
		return "", nil, err
	}
	f, err := os.CreateTemp("", "kvproxy-security-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create security file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		_ = os.Remove(f.Name())
		return "", nil, fmt.Errorf("failed to write security file: %w", err)
	}
	name := f.Name()
	return name, func() { _ = os.Remove(name) }, nil
}
