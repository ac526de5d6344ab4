package bridge

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/base64"
	"encoding/hex"
	"sync"
)

//go:embed assets/oauth-result.html assets/oauth-result.js assets/auth-social.js
var assetsFS embed.FS

// StaticAsset is immutable content served as-is.
type StaticAsset struct {
	Body        []byte
	ContentType string
	ETag        string

	// ContentSecurityPolicy pins the inline script by hash. Empty for
	// assets that are not documents.
	ContentSecurityPolicy string
}

// RelayPage returns the result relay document. It is assembled once per
// process; every call returns the same value.
func RelayPage() StaticAsset {
	return relayPage()
}

// SocialScript returns the browser helper that opens the login popup and
// waits for the relay message.
func SocialScript() StaticAsset {
	return socialScript()
}

var relayPage = sync.OnceValue(func() StaticAsset {
	html := mustAsset("assets/oauth-result.html")
	script := mustAsset("assets/oauth-result.js")

	sum := sha256.Sum256(script)
	body := bytes.Replace(html, []byte("{{SCRIPT}}"), script, 1)

	return StaticAsset{
		Body:        body,
		ContentType: "text/html; charset=utf-8",
		ETag:        etag(body),
		ContentSecurityPolicy: "default-src 'none'; script-src 'sha256-" +
			base64.StdEncoding.EncodeToString(sum[:]) +
			"'; base-uri 'none'; form-action 'none'; frame-ancestors 'none'",
	}
})

var socialScript = sync.OnceValue(func() StaticAsset {
	body := mustAsset("assets/auth-social.js")
	return StaticAsset{
		Body:        body,
		ContentType: "text/javascript; charset=utf-8",
		ETag:        etag(body),
	}
})

func mustAsset(name string) []byte {
	b, err := assetsFS.ReadFile(name)
	if err != nil {
		// Embedded at build time; a miss is a build defect.
		panic("bridge: missing embedded asset " + name)
	}
	return b
}

func etag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:8]) + `"`
}
