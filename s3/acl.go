package s3

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gonzalop/remotefs"
)

// ReadACL returns the access control list of an object or bucket and
// stores it in p.Attributes.ACL.
func (s *Session) ReadACL(ctx context.Context, p *remotefs.Path) (*remotefs.ACL, error) {
	c, err := s.connected()
	if err != nil {
		return nil, err
	}
	bucket, key := s.split(p)
	if bucket == "" {
		return nil, remotefs.NewOpError(remotefs.ErrNotSupported, "Failure to read attributes of %s", p, s.url())
	}

	var owner *types.Owner
	var grants []types.Grant
	start := time.Now()
	if key == "" {
		out, err := c.GetBucketAcl(ctx, &s3.GetBucketAclInput{Bucket: aws.String(bucket)})
		record("get_bucket_acl", start, err)
		if err != nil {
			return nil, remotefs.NewOpError(err, "Failure to read attributes of %s", p, s.url())
		}
		owner, grants = out.Owner, out.Grants
	} else {
		if p.IsDir() {
			key += remotefs.Delimiter
		}
		input := &s3.GetObjectAclInput{Bucket: aws.String(bucket), Key: aws.String(key)}
		if p.Attributes.VersionID != "" {
			input.VersionId = aws.String(p.Attributes.VersionID)
		}
		out, err := c.GetObjectAcl(ctx, input)
		record("get_object_acl", start, err)
		if err != nil {
			return nil, remotefs.NewOpError(err, "Failure to read attributes of %s", p, s.url())
		}
		owner, grants = out.Owner, out.Grants
	}

	acl := &remotefs.ACL{}
	if owner != nil {
		acl.Owner = aws.ToString(owner.ID)
	}
	for _, g := range grants {
		if g.Grantee == nil {
			continue
		}
		acl.Grants = append(acl.Grants, remotefs.Grant{
			Principal: principal(g.Grantee),
			Role:      string(g.Permission),
		})
	}
	p.Attributes.ACL = acl
	return acl, nil
}

// WriteACL replaces the access control list of an object or bucket.
func (s *Session) WriteACL(ctx context.Context, p *remotefs.Path, acl *remotefs.ACL) error {
	c, err := s.connected()
	if err != nil {
		return err
	}
	bucket, key := s.split(p)
	if bucket == "" {
		return remotefs.NewOpError(remotefs.ErrNotSupported, "Failure to write attributes of %s", p, s.url())
	}
	policy := &types.AccessControlPolicy{Grants: make([]types.Grant, 0, len(acl.Grants))}
	if acl.Owner != "" {
		policy.Owner = &types.Owner{ID: aws.String(acl.Owner)}
	}
	for _, g := range acl.Grants {
		policy.Grants = append(policy.Grants, types.Grant{
			Grantee:    grantee(g.Principal),
			Permission: types.Permission(strings.ToUpper(g.Role)),
		})
	}

	start := time.Now()
	if key == "" {
		_, err = c.PutBucketAcl(ctx, &s3.PutBucketAclInput{
			Bucket:              aws.String(bucket),
			AccessControlPolicy: policy,
		})
		record("put_bucket_acl", start, err)
	} else {
		if p.IsDir() {
			key += remotefs.Delimiter
		}
		input := &s3.PutObjectAclInput{
			Bucket:              aws.String(bucket),
			Key:                 aws.String(key),
			AccessControlPolicy: policy,
		}
		if p.Attributes.VersionID != "" {
			input.VersionId = aws.String(p.Attributes.VersionID)
		}
		_, err = c.PutObjectAcl(ctx, input)
		record("put_object_acl", start, err)
	}
	if err != nil {
		return remotefs.NewOpError(err, "Failure to write attributes of %s", p, s.url())
	}
	p.Attributes.ACL = acl
	return nil
}

// principal names a grantee by canonical id, email address or group URI.
func principal(g *types.Grantee) string {
	switch g.Type {
	case types.TypeAmazonCustomerByEmail:
		return aws.ToString(g.EmailAddress)
	case types.TypeGroup:
		return aws.ToString(g.URI)
	}
	return aws.ToString(g.ID)
}

// grantee is the inverse of principal.
func grantee(principal string) *types.Grantee {
	switch {
	case strings.HasPrefix(principal, "http://"), strings.HasPrefix(principal, "https://"):
		return &types.Grantee{Type: types.TypeGroup, URI: aws.String(principal)}
	case strings.Contains(principal, "@"):
		return &types.Grantee{Type: types.TypeAmazonCustomerByEmail, EmailAddress: aws.String(principal)}
	}
	return &types.Grantee{Type: types.TypeCanonicalUser, ID: aws.String(principal)}
}
