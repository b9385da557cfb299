package utils

import (
	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey hashes a plain API key using bcrypt.
func HashAPIKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckAPIKey compares a plain API key with its bcrypt hash.
func CheckAPIKey(plain, hashed string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
	return err == nil
}
