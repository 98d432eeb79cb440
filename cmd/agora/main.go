package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"runtime"

	"github.com/agora-chat/agora"
	"github.com/agora-chat/agora/types"
	"github.com/bugsnag/bugsnag-go"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	if apiKey := getEnv("BUGSNAG_API_KEY", ""); apiKey != "" {
		bugsnag.Configure(bugsnag.Configuration{
			APIKey:          apiKey,
			ProjectPackages: []string{"main", "github.com/agora-chat/agora"},
		})
	}

	configPtr := flag.String("config", getEnv("AGORA_CONFIG", ""), "path to a yaml config file")
	topicPtr := flag.String("topic", getEnv("AGORA_TOPIC", "agora-lobby"), "chat topic to join")
	usernamePtr := flag.String("username", getEnv("AGORA_USERNAME", getHostname()), "display name")
	mqttHostPtr := flag.String("mqtt-host", getEnv("MQTT_HOST", "tcp://localhost:1883"), "mqtt server hostname")
	mqttUserPtr := flag.String("mqtt-user", getEnv("MQTT_USER", ""), "mqtt server username")
	mqttPassPtr := flag.String("mqtt-pass", getEnv("MQTT_PASS", ""), "mqtt server password")
	gatewayPtr := flag.String("gateway", getEnv("AGORA_GATEWAY", ""), "storage gateway url (empty runs on in-memory storage)")
	httpAddrPtr := flag.String("http-addr", getEnv("HTTP_ADDR", ""), "inspector address (e.g. :8680)")
	keystorePtr := flag.String("keystore", getEnv("AGORA_KEYSTORE", agora.DefaultKeystorePath()), "sealed identity file")
	memoryModePtr := flag.String("memory-mode", getEnv("AGORA_MEMORY_MODE", "auto"), "memory profile: auto, short, medium or hog")
	showRosterPtr := flag.Bool("show-roster", true, "show table with active users")
	refreshRatePtr := flag.Int("refresh-rate", 60, "refresh rate in seconds for roster table")
	verbosePtr := flag.Bool("verbose", false, "log debug stuff")

	flag.Parse()

	if *verbosePtr {
		logrus.SetLevel(logrus.DebugLevel)
	}

	v, err := loadConfigFile(*configPtr)
	if err != nil {
		logrus.Fatalf("reading config file: %v", err)
	}

	// Explicit flags win over the config file; the file wins over defaults.
	flagsSet := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { flagsSet[f.Name] = true })
	pick := func(name, flagValue string) string {
		if !flagsSet[name] && v.IsSet(name) {
			return v.GetString(name)
		}
		return flagValue
	}

	topic := pick("topic", *topicPtr)
	username := pick("username", *usernamePtr)
	mqttHost := pick("mqtt-host", *mqttHostPtr)
	mqttUser := pick("mqtt-user", *mqttUserPtr)
	mqttPass := pick("mqtt-pass", *mqttPassPtr)
	gateway := pick("gateway", *gatewayPtr)
	httpAddr := pick("http-addr", *httpAddrPtr)

	profile := resolveMemoryProfile(pick("memory-mode", *memoryModePtr))

	if info, err := host.Info(); err == nil {
		logrus.Infof("🖥️  %s (%s %s)", info.Hostname, info.Platform, info.PlatformVersion)
	}

	keystore := agora.NewKeystore(pick("keystore", *keystorePtr))
	keypair, err := keystore.LoadOrCreate(getEnv("AGORA_PASSPHRASE", ""))
	if err != nil {
		logrus.Fatalf("loading identity: %v", err)
	}

	var storage agora.StorageClient
	if gateway == "" {
		logrus.Warn("🧪 no gateway configured, messages stay on this machine")
		storage = agora.NewMemoryStorage()
	} else {
		storage = agora.NewGatewayStorage(gateway, profile.ObjectCacheBytes)
	}

	gsoc := agora.NewMqttGsoc(mqttHost, mqttUser, mqttPass, mqttClientID(keypair))
	if err := gsoc.Connect(); err != nil {
		logrus.Fatalf("connecting to mqtt: %v", err)
	}

	config := agora.ChatConfig{
		Topic:              types.Topic(topic),
		Username:           types.UserName(username),
		AnnounceInterval:   v.GetDuration("announce-interval"),
		FetchInterval:      v.GetDuration("fetch-interval"),
		UpdaterInterval:    v.GetDuration("updater-interval"),
		IdleEviction:       v.GetDuration("idle-eviction"),
		HistoryMaxBytes:    v.GetInt("history-max-bytes"),
		LoadedCacheEntries: profile.LoadedEntries,
	}

	chat, err := agora.NewChat(config, keypair, storage, gsoc)
	if err != nil {
		logrus.Fatalf("assembling chat: %v", err)
	}
	if err := chat.Start(context.Background()); err != nil {
		logrus.Fatalf("joining chat: %v", err)
	}

	chat.Events().AddListener(printMessages())

	if httpAddr != "" {
		inspector := agora.NewInspector(chat)
		if err := inspector.Start(httpAddr); err != nil {
			logrus.Fatalf("starting inspector: %v", err)
		}
	}

	if *showRosterPtr {
		go chat.PrintRosterForever(*refreshRatePtr)
	}

	setupCloseHandler(chat, gsoc)
	go readInput(chat)

	// sleep forever while goroutines do their thing
	for {
		time.Sleep(10 * time.Millisecond)
		runtime.Gosched() // https://blog.container-solutions.com/surprise-golang-thread-scheduling
	}
}

// loadConfigFile loads an explicit config file, or ~/.agora/config.yaml when
// present. An absent default file is fine; an unreadable explicit one isn't.
func loadConfigFile(path string) (*viper.Viper, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		return v, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return v, nil
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(home + "/.agora")
	if err := v.ReadInConfig(); err == nil {
		logrus.Debugf("loaded config from %s", v.ConfigFileUsed())
	}
	return v, nil
}

func resolveMemoryProfile(mode string) agora.MemoryProfile {
	parsed := agora.ParseMemoryMode(mode)
	if parsed == agora.MemoryModeAuto {
		profile, source, err := agora.AutoMemoryProfile()
		if err != nil {
			logrus.Warnf("memory autodetection failed (%v), using %s", err, profile.Mode)
			return profile
		}
		logrus.Infof("🧠 memory profile %s (%d MB budget, detected via %s)", profile.Mode, profile.BudgetMB, source)
		return profile
	}
	profile := agora.MemoryProfileForMode(parsed)
	logrus.Infof("🧠 memory profile %s (%d MB budget)", profile.Mode, profile.BudgetMB)
	return profile
}

// printMessages renders everyone else's messages to the terminal.
func printMessages() agora.EventListener {
	return func(event agora.ChatEvent) {
		if event.Kind != agora.EventMessageReceived || event.Message == nil {
			return
		}
		message := event.Message
		switch message.Type {
		case agora.MessageTypeReaction:
			fmt.Printf("%s reacted %s to %s\n", message.Username, message.Text, message.TargetID)
		default:
			fmt.Printf("%s: %s\n", message.Username, message.Text)
		}
	}
}

// readInput turns stdin lines into messages. `/prev` pages older history in,
// `/quit` leaves. When stdin closes (piped input, detached daemon) the chat
// keeps running receive-only.
func readInput(chat *agora.Chat) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			chat.Stop()
			os.Exit(0)
		case line == "/prev":
			messages, err := chat.FetchPreviousMessages(context.Background(), 0)
			if err != nil {
				logrus.Warnf("fetching previous messages: %v", err)
				continue
			}
			for _, message := range messages {
				fmt.Printf("(earlier) %s: %s\n", message.Username, message.Text)
			}
		default:
			if _, err := chat.SendMessage(context.Background(), agora.MessageTypeText, line, "", ""); err != nil {
				logrus.Warnf("sending message: %v", err)
			}
		}
	}
}

func setupCloseHandler(chat *agora.Chat, gsoc *agora.MqttGsoc) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		chat.Stop()
		gsoc.Close()
		os.Exit(0)
	}()
}

func mqttClientID(kp agora.Keypair) string {
	address := string(kp.Address())
	if len(address) > 12 {
		address = address[:12]
	}
	return "agora-" + address
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getHostname() string {
	hostname, _ := os.Hostname()
	return strings.Split(hostname, ".")[0]
}
