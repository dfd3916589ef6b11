package config

import (
	_ "github.com/any-hub/imgcache/internal/storage/bucket"
	_ "github.com/any-hub/imgcache/internal/storage/local"
)
