package classify

import (
	"context"
	"regexp"

	"github.com/user/secpipe/pkg/engine"
)

var (
	weakPrimitive   = regexp.MustCompile(`(?i)(\b(md[45]|sha-?1|des|3des|desede|tripledes|rc[24]|arc4|arcfour)\b|mode_ecb|/ecb/|\becb\b)`)
	strongPrimitive = regexp.MustCompile(`(?i)\b(bcrypt|argon2\w*|scrypt|pbkdf2\w*|sha-?(256|384|512)|sha3\w*|blake2\w*|aes\w*gcm|gcm|chacha20\w*|ed25519|hkdf)\b`)
	securityUse     = regexp.MustCompile(`(?i)(\bkey\b|passw|pwd|secret|token|sign|hmac|auth|credential|session|salt|api_?key|private_?key|encrypt|decrypt|cipher|nonce|otp)`)
	checksumUse     = regexp.MustCompile(`(?i)(checksum|etag|cache|file|content|contents|integrity|dedup|fingerprint|hash_?bytes|chunk|blob|usedforsecurity\s*=\s*false|digest_?size|cache_?key)`)
)

const cryptoGuidance = `MD5, SHA-1, DES, RC4 or ECB mode used for passwords, signatures, tokens or encryption is vulnerable.
The same primitives used as non-security checksums, and modern algorithms (bcrypt, argon2, scrypt, SHA-256, AES-GCM), are not.`

// WeakCrypto classifies cryptography findings by primitive and purpose.
type WeakCrypto struct {
	settings
}

func NewWeakCrypto(opts ...Option) *WeakCrypto {
	return &WeakCrypto{settings: newSettings(opts)}
}

func (c *WeakCrypto) SupportedCWEs() []string { return []string{"CWE-327", "CWE-328", "CWE-916"} }

func (c *WeakCrypto) Classify(ctx context.Context, f *engine.Finding) Result {
	if c.llm != nil {
		return c.classifyWithLLM(ctx, f, "weak cryptography", cryptoGuidance, c.heuristic)
	}
	return c.heuristic(f)
}

func (c *WeakCrypto) heuristic(f *engine.Finding) Result {
	code := c.snippet(f)
	if code == "" {
		return verdict(f, NeedsInvestigation, 0.4, "no code available to inspect the primitive")
	}

	weak := weakPrimitive.MatchString(code)
	security := securityUse.MatchString(code)
	checksum := checksumUse.MatchString(code)

	switch {
	case !weak && strongPrimitive.MatchString(code):
		return verdict(f, FalsePositive, 0.8, "code uses a modern algorithm")
	case weak && security && !checksum:
		return verdict(f, TruePositive, 0.85, "weak primitive protects a password, secret or signature")
	case weak && checksum && !security:
		return verdict(f, FalsePositive, 0.75, "weak primitive is used as a non-security checksum")
	case weak && security:
		return verdict(f, NeedsInvestigation, 0.55, "weak primitive appears in both security and checksum contexts")
	case weak:
		return verdict(f, NeedsInvestigation, 0.5, "weak primitive in use; purpose unclear from the flagged code")
	}
	return verdict(f, NeedsInvestigation, 0.5, "no cryptographic primitive recognized in the flagged code")
}
