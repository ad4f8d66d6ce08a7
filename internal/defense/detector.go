package defense

import "strings"

// suspiciousPaths are prefixes vulnerability scanners request. Nothing
// conduit serves lives under them.
var suspiciousPaths = []string{
	"/.env",
	"/.git",
	"/.aws",
	"/.ssh",
	"/.htpasswd",
	"/.htaccess",
	"/.ds_store",
	"/wp-admin",
	"/wp-login",
	"/wp-content",
	"/xmlrpc.php",
	"/phpmyadmin",
	"/phpinfo",
	"/admin",
	"/actuator",
	"/config.json",
	"/secrets",
	"/backup",
	"/server-status",
	"/cgi-bin/",
	"/shell",
	"/vendor/phpunit",
}

// IsSuspiciousPath reports whether path starts with a prefix scanners
// request. Matching is case-insensitive.
func IsSuspiciousPath(path string) bool {
	lower := strings.ToLower(path)
	for _, p := range suspiciousPaths {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
