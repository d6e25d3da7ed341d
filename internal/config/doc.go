// Package config loads the ASSUREDChain daemon configuration from a JSON
// file, fills defaults relative to the file's directory and applies the
// WEB3_PROVIDER_URL, CONTRACT_ADDRESS, ACCOUNT_PRIVATE_KEY, CHAIN_ID,
// ASSURED_DATA_DIR and ASSURED_LEDGER_DSN environment overrides.
package config
