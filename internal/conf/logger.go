package conf

import "github.com/Gameminde/Chneowave-sub003/internal/logging"

var log = logging.ForService("config")
