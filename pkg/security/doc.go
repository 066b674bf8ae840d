/*
Package security holds the cryptographic helpers press uses.

SecretsManager encrypts values stored at rest with AES-256-GCM: the private
key of every TLSCertificate and each site's admin password. The key is
derived from the secret_key setting; rotating that setting makes existing
ciphertexts unreadable, so it has to be treated like a database credential.

certs.go parses the PEM material ACME hands back: splitting a bundle into
leaf and intermediates, reading validity, and deciding whether a
certificate falls inside the renewal window.
*/
package security
