// Package ratelimit bounds outbound requests per subscription.
//
// TokenBucketLimiter keeps buckets in process memory. RedisLimiter shares a
// fixed window across instances and fails open when Redis is unavailable.
package ratelimit
