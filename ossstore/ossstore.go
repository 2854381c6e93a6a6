// Package ossstore reads the text extracted from uploaded images out of
// Aliyun OSS. Uploads and OCR run elsewhere; for an image stored at key K the
// extracted text lives at <OSS_TEXT_PREFIX>/K.txt.
package ossstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aliyun/credentials-go/credentials"
)

// ErrNoText is returned when no extracted text exists for an image.
var ErrNoText = errors.New("no extracted text for image")

const maxTextBytes = 1 << 20

// objectGetter is the part of *oss.Bucket the store uses.
type objectGetter interface {
	GetObject(objectKey string, options ...oss.Option) (io.ReadCloser, error)
}

type Store struct {
	bucketName string
	bucket     objectGetter
	cred       credentials.Credential
	textPrefix string
}

// NewFromEnv returns (nil, false, nil) when OSS_BUCKET is unset.
func NewFromEnv() (*Store, bool, error) {
	bucket := strings.TrimSpace(os.Getenv("OSS_BUCKET"))
	if bucket == "" {
		return nil, false, nil
	}

	region := strings.TrimSpace(os.Getenv("OSS_REGION"))
	if region == "" {
		// AuthV4 needs a region.
		region = "cn-heyuan"
	}

	endpoint := strings.TrimSpace(os.Getenv("OSS_ENDPOINT_INTERNAL"))
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OSS_ENDPOINT_PUBLIC"))
	}
	if endpoint == "" {
		return nil, true, errors.New("OSS_BUCKET is set but OSS_ENDPOINT_INTERNAL/OSS_ENDPOINT_PUBLIC is missing")
	}

	textPrefix := strings.Trim(strings.TrimSpace(os.Getenv("OSS_TEXT_PREFIX")), "/")
	if textPrefix == "" {
		textPrefix = "ocr-text"
	}

	cred, err := newAlibabaCredential(region)
	if err != nil {
		return nil, true, fmt.Errorf("init alibaba credentials failed: %w", err)
	}
	// Fail early rather than let the SDK send anonymous requests that come back
	// as a misleading bucket ACL 403.
	if err := validateAlibabaCredential(cred); err != nil {
		return nil, true, err
	}

	client, err := newOSSClient(endpoint, region, &credentialsProvider{cred: cred})
	if err != nil {
		return nil, true, fmt.Errorf("init oss client failed: %w", err)
	}
	b, err := client.Bucket(bucket)
	if err != nil {
		return nil, true, fmt.Errorf("open oss bucket failed: %w", err)
	}

	return &Store{
		bucketName: bucket,
		bucket:     b,
		cred:       cred,
		textPrefix: textPrefix,
	}, true, nil
}

func newAlibabaCredential(region string) (credentials.Credential, error) {
	// With RRSA variables present, use OIDC explicitly and a regional STS
	// endpoint unless one is configured.
	roleArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_ROLE_ARN"))
	providerArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_PROVIDER_ARN"))
	tokenFile := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_TOKEN_FILE"))
	if roleArn != "" && providerArn != "" && tokenFile != "" {
		cfg := new(credentials.Config).
			SetType("oidc_role_arn").
			SetRoleArn(roleArn).
			SetOIDCProviderArn(providerArn).
			SetOIDCTokenFilePath(tokenFile)

		stsEndpoint := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_STS_ENDPOINT"))
		if stsEndpoint == "" {
			stsEndpoint = "sts." + region + ".aliyuncs.com"
		}
		cfg.SetSTSEndpoint(stsEndpoint)
		return credentials.NewCredential(cfg)
	}
	return credentials.NewCredential(nil)
}

func validateAlibabaCredential(cred credentials.Credential) error {
	if cred == nil {
		return errors.New("alibaba credentials not initialized")
	}
	c, err := cred.GetCredential()
	if err != nil {
		return fmt.Errorf("fetch alibaba credentials failed: %w", err)
	}
	if c == nil || strings.TrimSpace(deref(c.AccessKeyId)) == "" || strings.TrimSpace(deref(c.AccessKeySecret)) == "" {
		return errors.New("alibaba credentials are empty; check ALIBABA_CLOUD_ROLE_ARN / ALIBABA_CLOUD_OIDC_PROVIDER_ARN / ALIBABA_CLOUD_OIDC_TOKEN_FILE")
	}
	return nil
}

func newOSSClient(endpoint, region string, provider oss.CredentialsProvider) (*oss.Client, error) {
	opts := []oss.ClientOption{
		oss.SetCredentialsProvider(provider),
		oss.AuthVersion(oss.AuthV4),
		oss.Region(region),
	}
	// Keys stay empty; the provider supplies them.
	return oss.New(endpoint, "", "", opts...)
}

func (s *Store) Enabled() bool { return s != nil && s.bucket != nil }

// TextKey is where the extracted text for imageRef is stored.
func (s *Store) TextKey(imageRef string) string {
	ref := strings.TrimLeft(strings.ReplaceAll(strings.TrimSpace(imageRef), "\\", "/"), "/")
	ref = path.Clean("/" + ref)[1:]
	return path.Join(s.textPrefix, ref+".txt")
}

// ExtractText returns the extracted text of the image at imageRef.
func (s *Store) ExtractText(ctx context.Context, imageRef string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("oss not enabled")
	}
	if strings.TrimSpace(imageRef) == "" {
		return "", errors.New("image reference is empty")
	}
	if s.cred != nil {
		if err := validateAlibabaCredential(s.cred); err != nil {
			return "", err
		}
	}
	rc, err := s.bucket.GetObject(s.TextKey(imageRef), oss.WithContext(ctx))
	if err != nil {
		var se oss.ServiceError
		if errors.As(err, &se) && se.StatusCode == 404 {
			return "", fmt.Errorf("%w: %s", ErrNoText, imageRef)
		}
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, maxTextBytes+1))
	if err != nil {
		return "", err
	}
	if len(b) > maxTextBytes {
		return "", fmt.Errorf("extracted text for %s exceeds %d bytes", imageRef, maxTextBytes)
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("extracted text for %s is not UTF-8", imageRef)
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrNoText, imageRef)
	}
	return text, nil
}

// Credentials bridge: credentials-go -> OSS SDK V1.

type credentialsProvider struct {
	cred credentials.Credential
}

type ossCred struct {
	AccessKeyId     string
	AccessKeySecret string
	SecurityToken   string
}

func (c *ossCred) GetAccessKeyID() string     { return c.AccessKeyId }
func (c *ossCred) GetAccessKeySecret() string { return c.AccessKeySecret }
func (c *ossCred) GetSecurityToken() string   { return c.SecurityToken }

func (p *credentialsProvider) GetCredentials() oss.Credentials {
	out, err := p.cred.GetCredential()
	if err != nil || out == nil || out.AccessKeyId == nil || out.AccessKeySecret == nil {
		// The V1 provider interface has no error return; empty credentials make
		// the request itself fail visibly.
		return &ossCred{}
	}
	return &ossCred{
		AccessKeyId:     deref(out.AccessKeyId),
		AccessKeySecret: deref(out.AccessKeySecret),
		SecurityToken:   deref(out.SecurityToken),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
