package config

import (
	"fmt"
	"os"
)

func Template() string {
	return gatectlTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(gatectlTemplate), 0o600)
}

const gatectlTemplate = `# Bot credential. GATECTL_TOKEN is used when this is empty.
token = ""
intents = 513
# 0 asks GET /gateway/bot for the recommended count.
total_shards = 0
# Empty runs every shard in this process.
shard_ids = []
# 0 takes session_start_limit.max_concurrency from GET /gateway/bot.
max_concurrency = 0
large_threshold = 250

[gateway]
# Empty resolves the url through GET /gateway/bot.
url = ""
version = 10
compression = "zlib-stream"
hello_timeout = "20s"
watchdog_multiple = 3
max_reconnect_attempts = 0
identify_window = "5s"
restart_delay = "5s"

[gateway.backoff]
initial = "1s"
multiplier = 2.0
max = "60s"
jitter = true

[gateway.tls]
ca_file = ""
cert_file = ""
key_file = ""
server_name = ""
insecure_skip_verify = false

[rest]
base_url = "https://discord.com/api/v10"
user_agent = ""
timeout = "30s"
max_attempts = 3
max_rate_limit_retries = 5
global_limit = 50

[admin]
addr = "127.0.0.1:7070"
cors_origins = ["http://localhost:3000"]
token = ""
`
