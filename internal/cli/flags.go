package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/keboola/go-fetch/pkg/aggregator"
	"github.com/keboola/go-fetch/pkg/archive"
	"github.com/keboola/go-fetch/pkg/client"
	"github.com/keboola/go-fetch/pkg/request"
)

// EnvPrefix of environment variables with flag defaults, "--kafka-topic" is read from "FETCH_KAFKA_TOPIC".
const EnvPrefix = "FETCH_"

type flags struct {
	method        string
	headers       []string
	data          string
	json          bool
	file          string
	baseURL       string
	token         string
	timeout       time.Duration
	concurrency   int
	maxConns      int
	http2         bool
	verbose       bool
	dump          bool
	archive       string
	archivePrefix string
	archiveS3     archive.S3Params
	archiveGCS    archive.GCSParams
	archiveABS    archive.ABSParams
	kafkaBrokers  []string
	kafkaTopic    string
	envFile       string
	metricsAddr   string
}

func (f *flags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&f.method, "method", "X", "GET", "HTTP method")
	fs.StringArrayVarP(&f.headers, "header", "H", nil, `request header "Key: Value", repeatable`)
	fs.StringVarP(&f.data, "data", "d", "", "request body")
	fs.BoolVar(&f.json, "json", false, "send the body as JSON")
	fs.StringVarP(&f.file, "file", "f", "", "YAML file with a list of requests")
	fs.StringVar(&f.baseURL, "base-url", "", "base URL of relative request URLs")
	fs.StringVar(&f.token, "token", "", "bearer token")
	fs.DurationVar(&f.timeout, "timeout", client.RequestTimeout, "timeout of one fetch")
	fs.IntVar(&f.concurrency, "concurrency", aggregator.ConcurrencyLimit, "maximum number of in-flight requests")
	fs.IntVar(&f.maxConns, "max-conns-per-host", client.MaxConnectionsPerHost, "maximum number of connections to one host")
	fs.BoolVar(&f.http2, "http2", false, "force HTTP/2, https only")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "log requests and debug messages")
	fs.BoolVar(&f.dump, "dump", false, "dump requests and responses")
	fs.StringVar(&f.archive, "archive", "", `store outcomes to a bucket, for example "file:///tmp/out"`)
	fs.StringVar(&f.archivePrefix, "archive-prefix", "", "key prefix in the archive bucket")
	fs.StringVar(&f.archiveS3.Bucket, "archive-s3-bucket", "", "store outcomes to an AWS S3 bucket")
	fs.StringVar(&f.archiveS3.Region, "archive-s3-region", "", "AWS S3 region")
	fs.StringVar(&f.archiveS3.AccessKeyID, "archive-s3-access-key-id", "", "AWS access key ID")
	fs.StringVar(&f.archiveS3.SecretAccessKey, "archive-s3-secret-access-key", "", "AWS secret access key")
	fs.StringVar(&f.archiveS3.SessionToken, "archive-s3-session-token", "", "AWS session token, optional")
	fs.StringVar(&f.archiveGCS.Bucket, "archive-gcs-bucket", "", "store outcomes to a Google Cloud Storage bucket")
	fs.StringVar(&f.archiveGCS.AccessToken, "archive-gcs-token", "", "Google Cloud OAuth2 access token")
	fs.StringVar(&f.archiveABS.ContainerSASURL, "archive-abs-sas-url", "", "store outcomes to an Azure Blob Storage container, URL with a SAS token")
	fs.StringSliceVar(&f.kafkaBrokers, "kafka-brokers", nil, "publish outcomes to Kafka brokers")
	fs.StringVar(&f.kafkaTopic, "kafka-topic", "", "Kafka topic")
	fs.StringVar(&f.envFile, "env-file", "", "load flag defaults from a .env file")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", `serve Prometheus metrics, for example ":9090"`)
}

// loadEnv sets flags not set on the command line from the environment.
func (f *flags) loadEnv(fs *pflag.FlagSet) error {
	if f.envFile != "" {
		if err := godotenv.Load(f.envFile); err != nil {
			return configError(`cannot load env file "%s": %w`, f.envFile, err)
		}
	}

	var errs []string
	fs.VisitAll(func(flag *pflag.Flag) {
		if flag.Changed || flag.Name == "env-file" || flag.Name == "help" {
			return
		}
		value, found := os.LookupEnv(envName(flag.Name)) //nolint:forbidigo
		if !found {
			return
		}
		if err := fs.Set(flag.Name, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %s", envName(flag.Name), err))
		}
	})
	if len(errs) > 0 {
		return configError("invalid environment: %s", strings.Join(errs, ", "))
	}
	return nil
}

func (f *flags) validate() error {
	if f.concurrency < 1 {
		return configError("concurrency must be greater than 0, found %d", f.concurrency)
	}
	if f.maxConns < 1 {
		return configError("max connections per host must be greater than 0, found %d", f.maxConns)
	}
	if f.timeout < 0 {
		return configError("timeout cannot be negative, found %s", f.timeout)
	}
	if n := f.archiveDestinations(); n > 1 {
		return configError("only one archive destination can be set, found %d", n)
	}
	if s3 := f.archiveS3; s3.Bucket != "" && (s3.Region == "" || s3.AccessKeyID == "" || s3.SecretAccessKey == "") {
		return configError("archive S3 bucket requires the region and credentials")
	}
	if f.archiveGCS.Bucket != "" && f.archiveGCS.AccessToken == "" {
		return configError("archive GCS bucket requires the token")
	}
	if len(f.kafkaBrokers) > 0 && f.kafkaTopic == "" {
		return configError("kafka topic is not set")
	}
	return nil
}

func (f *flags) archiveDestinations() (n int) {
	for _, v := range []string{f.archive, f.archiveS3.Bucket, f.archiveGCS.Bucket, f.archiveABS.ContainerSASURL} {
		if v != "" {
			n++
		}
	}
	return n
}

// specs creates a request for each URL argument, requests from the file go first.
func (f *flags) specs(args []string) ([]request.Spec, error) {
	var out []request.Spec
	if f.file != "" {
		content, err := os.ReadFile(f.file)
		if err != nil {
			return nil, configError(`cannot read file "%s": %w`, f.file, err)
		}
		if err := yaml.Unmarshal(content, &out); err != nil {
			return nil, configError(`cannot parse file "%s": %w`, f.file, err)
		}
	}

	opts := request.Options{Method: f.method, JSON: f.json}
	if f.data != "" {
		opts.Body = f.data
	}
	for _, h := range f.headers {
		k, v, found := strings.Cut(h, ":")
		if !found || strings.TrimSpace(k) == "" {
			return nil, configError(`header "%s" is not in the "Key: Value" format`, h)
		}
		if opts.Headers == nil {
			opts.Headers = make(map[string]string)
		}
		opts.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	out = append(out, request.Specs(args, opts)...)

	if len(out) == 0 {
		return nil, configError("no request specified, use URL arguments or the --file flag")
	}
	return out, nil
}

func envName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func commandArgs(minArgs int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < minArgs && cmd.Flag("file").Value.String() == "" {
			return configError("requires at least %d URL argument(s) or the --file flag", minArgs)
		}
		return nil
	}
}
