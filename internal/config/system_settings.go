package config

import (
	"os"
	"strconv"
)

const DATABASE_TYPE = "STEPFLOW_DATABASE_TYPE"
const DATABASE_URL = "STEPFLOW_DATABASE_URL"
const DATABASE_SQLLITE_FILE_NAME = "STEPFLOW_DATABASE_SQLLITE_FILE_NAME"
const SERVER_WEB_PORT = "STEPFLOW_SERVER_WEB_PORT"
const WEB_SESSION_EXPIRY_HOURS = "STEPFLOW_WEB_SESSION_EXPIRY_HOURS"
const TIMER_WARNING_THRESHOLD = "STEPFLOW_TIMER_WARNING_THRESHOLD"   //progress percent at which a timer turns yellow
const TIMER_CRITICAL_THRESHOLD = "STEPFLOW_TIMER_CRITICAL_THRESHOLD" //progress percent at which a timer turns red
const CALENDAR_CACHE_TTL = "STEPFLOW_CALENDAR_CACHE_TTL"

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLLITE = "SQLLITE"

func GetSystemSettingInteger(settingKey string) int {
	val := GetSystemSettingString(settingKey)
	if val != "" {
		intValue, _ := strconv.Atoi(val)
		return intValue
	}

	return 0
}

func GetSystemSettingString(settingKey string) string {
	val := os.Getenv(settingKey)
	if val != "" {
		return val
	}
	if settingKey == SERVER_WEB_PORT {
		return "8080"
	}
	if settingKey == WEB_SESSION_EXPIRY_HOURS {
		return "1"
	}
	if settingKey == DATABASE_SQLLITE_FILE_NAME {
		return "./stepflow.db"
	}
	if settingKey == TIMER_WARNING_THRESHOLD {
		return "80"
	}
	if settingKey == TIMER_CRITICAL_THRESHOLD {
		return "100"
	}
	if settingKey == CALENDAR_CACHE_TTL {
		return "1h"
	}
	return ""
}
